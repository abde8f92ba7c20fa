/*
Package generation turns an uploaded garment photo and a set of try-on
options into a request for an external image model.

FLOW:
  Options -> Validate -> BuildPrompt -> ImageModel.Generate
                                          |
                                          +-- error or empty -> original image,
                                                                IsOriginal=true,
                                                                Warning set

  One attempt per call. The client never retries.

SEE ALSO:
  - gemini.go: ImageModel backed by google.golang.org/genai
  - api/handlers.go: Charges credits before calling TryOn
*/
package generation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dressup/tryon-engine/ledger"
)

// Options describes the model and garment presentation. Empty fields are
// left to the image model.
type Options struct {
	Gender       string `json:"gender,omitempty"`
	Ethnicity    string `json:"ethnicity,omitempty"`
	Size         string `json:"size,omitempty"`
	ClothingType string `json:"clothing_type,omitempty"`
	Fit          string `json:"fit,omitempty"`
	Pose         string `json:"pose,omitempty"`
	View         string `json:"view,omitempty"`

	// Kids mode. When AgeGroup is set, KidsGender replaces Gender.
	AgeGroup   string `json:"age_group,omitempty"`
	KidsGender string `json:"kids_gender,omitempty"`
}

// Allowed values per option, mapped to their prompt phrasing.
var (
	Genders = map[string]string{
		"female":     "woman",
		"male":       "man",
		"non-binary": "androgynous person",
	}
	Ethnicities = map[string]string{
		"african":        "African",
		"east-asian":     "East Asian",
		"south-asian":    "South Asian",
		"caucasian":      "Caucasian",
		"hispanic":       "Hispanic",
		"middle-eastern": "Middle Eastern",
		"mixed":          "mixed-ethnicity",
	}
	Sizes = map[string]string{
		"xs":   "extra small",
		"s":    "small",
		"m":    "medium",
		"l":    "large",
		"xl":   "extra large",
		"xxl":  "double extra large",
		"plus": "plus-size",
	}
	ClothingTypes = map[string]string{
		"top":       "top",
		"bottom":    "pair of trousers or skirt",
		"dress":     "dress",
		"outerwear": "jacket or coat",
		"outfit":    "full outfit",
		"swimwear":  "swimwear",
	}
	Fits = map[string]string{
		"slim":      "slim",
		"regular":   "regular",
		"relaxed":   "relaxed",
		"oversized": "oversized",
	}
	Poses = map[string]string{
		"standing":      "standing naturally",
		"walking":       "walking mid-stride",
		"sitting":       "seated",
		"hands-on-hips": "with hands on hips",
	}
	Views = map[string]string{
		"front":         "front",
		"side":          "side",
		"back":          "back",
		"three-quarter": "three-quarter",
	}
	AgeGroups = map[string]string{
		"toddler": "toddler",
		"child":   "child",
		"teen":    "teenager",
	}
	KidsGenders = map[string]string{
		"girl":   "girl",
		"boy":    "boy",
		"unisex": "child",
	}
)

// Normalize lower-cases and trims every field.
func (o Options) Normalize() Options {
	clean := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return Options{
		Gender:       clean(o.Gender),
		Ethnicity:    clean(o.Ethnicity),
		Size:         clean(o.Size),
		ClothingType: clean(o.ClothingType),
		Fit:          clean(o.Fit),
		Pose:         clean(o.Pose),
		View:         clean(o.View),
		AgeGroup:     clean(o.AgeGroup),
		KidsGender:   clean(o.KidsGender),
	}
}

// Validate rejects unknown values with ledger.ErrInvalidArgument.
func (o Options) Validate() error {
	checks := []struct {
		field   string
		value   string
		allowed map[string]string
	}{
		{"gender", o.Gender, Genders},
		{"ethnicity", o.Ethnicity, Ethnicities},
		{"size", o.Size, Sizes},
		{"clothing_type", o.ClothingType, ClothingTypes},
		{"fit", o.Fit, Fits},
		{"pose", o.Pose, Poses},
		{"view", o.View, Views},
		{"age_group", o.AgeGroup, AgeGroups},
		{"kids_gender", o.KidsGender, KidsGenders},
	}
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		if _, ok := c.allowed[c.value]; !ok {
			return ledger.InvalidArgument("unknown %s %q (allowed: %s)", c.field, c.value, keys(c.allowed))
		}
	}
	if o.KidsGender != "" && o.AgeGroup == "" {
		return ledger.InvalidArgument("kids_gender requires age_group")
	}
	return nil
}

// Kids reports whether the options describe a child model.
func (o Options) Kids() bool {
	return o.AgeGroup != ""
}

func keys(m map[string]string) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

func (o Options) String() string {
	return fmt.Sprintf("gender=%s ethnicity=%s size=%s type=%s fit=%s pose=%s view=%s age=%s kids_gender=%s",
		o.Gender, o.Ethnicity, o.Size, o.ClothingType, o.Fit, o.Pose, o.View, o.AgeGroup, o.KidsGender)
}
