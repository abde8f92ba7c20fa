package generation

import "strings"

const promptPreamble = "Create a photorealistic fashion photograph of the garment in the attached image worn by a model."

const promptRules = "Keep the garment's color, pattern, fabric, logos and construction exactly as in the source image. " +
	"Use a clean studio background with soft, even lighting. Show the full garment; do not crop it. " +
	"Do not add text, watermarks or extra accessories."

// BuildPrompt renders options into the instruction sent with the image.
// Options should be normalized and validated first; unknown values are
// skipped. The output is deterministic for a given Options.
func BuildPrompt(o Options) string {
	var b strings.Builder
	b.WriteString(promptPreamble)

	b.WriteString(" The model is ")
	b.WriteString(describeModel(o))
	b.WriteString(".")

	if garment := describeGarment(o); garment != "" {
		b.WriteString(" The garment is ")
		b.WriteString(garment)
		b.WriteString(".")
	}

	if pose, ok := Poses[o.Pose]; ok {
		b.WriteString(" The model is ")
		b.WriteString(pose)
		b.WriteString(".")
	}

	if view, ok := Views[o.View]; ok {
		b.WriteString(" Photograph the model from the ")
		b.WriteString(view)
		b.WriteString(" view.")
	}

	if o.Kids() {
		b.WriteString(" This is children's clothing: use age-appropriate styling and a modest, playful pose.")
	}

	b.WriteString(" ")
	b.WriteString(promptRules)
	return b.String()
}

// describeModel returns e.g. "a South Asian woman wearing size medium".
func describeModel(o Options) string {
	var words []string

	if eth, ok := Ethnicities[o.Ethnicity]; ok {
		words = append(words, eth)
	}

	if o.Kids() {
		age := AgeGroups[o.AgeGroup]
		if g, ok := KidsGenders[o.KidsGender]; ok && g != "child" {
			words = append(words, age, g)
		} else {
			words = append(words, age)
		}
	} else if g, ok := Genders[o.Gender]; ok {
		words = append(words, g)
	} else {
		words = append(words, "person")
	}

	desc := article(words[0]) + " " + strings.Join(words, " ")
	if size, ok := Sizes[o.Size]; ok {
		desc += " wearing size " + size
	}
	return desc
}

func describeGarment(o Options) string {
	var parts []string
	if fit, ok := Fits[o.Fit]; ok {
		parts = append(parts, "a "+fit+"-fit")
	}
	if kind, ok := ClothingTypes[o.ClothingType]; ok {
		if len(parts) == 0 {
			parts = append(parts, article(kind))
		}
		parts = append(parts, kind)
	}
	if len(parts) == 0 {
		return ""
	}
	if len(parts) == 1 {
		return parts[0] + " garment"
	}
	return strings.Join(parts, " ")
}

func article(word string) string {
	if word == "" {
		return "a"
	}
	switch strings.ToLower(word[:1]) {
	case "a", "e", "i", "o", "u":
		return "an"
	}
	return "a"
}
