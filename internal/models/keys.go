package models

import "fmt"

// Hemisphere identifies a cortical hemisphere.
type Hemisphere string

const (
	LeftHemisphere  Hemisphere = "l"
	RightHemisphere Hemisphere = "r"
)

// Category is a visual stimulus category used in the localizer task.
type Category string

const (
	Face     Category = "face"
	Word     Category = "word"
	Object   Category = "object"
	House    Category = "house"
	Scramble Category = "scramble"
)

// Categories lists the four decodable categories in canonical order.
// Scramble serves only as the contrast condition for binary decoding.
var Categories = []Category{Face, Word, Object, House}

// CategoryType distinguishes categories whose representations are typically
// bilateral (object, house) from those lateralized to one hemisphere
// (face, word).
type CategoryType string

const (
	Bilateral  CategoryType = "bilateral"
	Unilateral CategoryType = "unilateral"
)

// Type returns the lateralization type of a category.
func (c Category) Type() CategoryType {
	switch c {
	case Object, House:
		return Bilateral
	default:
		return Unilateral
	}
}

// ClassKey identifies one region class: a (hemisphere, category) pair.
// It is carried structurally from creation; downstream code never re-derives
// it from composite strings.
type ClassKey struct {
	Hemi Hemisphere
	Cat  Category
}

func (k ClassKey) String() string {
	return fmt.Sprintf("%s_%s", k.Hemi, k.Cat)
}

// SessionKey identifies one imaging session of one subject.
type SessionKey struct {
	Subject string
	Session int
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/ses-%02d", k.Subject, k.Session)
}
