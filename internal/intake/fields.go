package intake

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/popeskul/listing-intake/internal/models"
)

const (
	maxDesignerLength = 100
	maxNotesLength    = 500
)

var allFields = []models.Field{
	models.FieldDesigner,
	models.FieldPieces,
	models.FieldSize,
	models.FieldCondition,
	models.FieldPrice,
	models.FieldNotes,
}

// choice is one canonical value of an enumerated field.
type choice struct {
	id    string
	title string
	// exact values only match when they are the whole input.
	exact []string
	// phrases match anywhere in the input on word boundaries.
	phrases []string
}

var choices = map[models.Field][]choice{
	models.FieldPieces: {
		{id: "pieces_top", title: "Top only", phrases: []string{"top", "top only", "just the top", "top piece"}},
		{id: "pieces_bottom", title: "Bottom only", phrases: []string{"bottom", "bottoms", "bottom only", "just the bottom", "bottom piece"}},
		{id: "pieces_both", title: "Top & bottom", phrases: []string{"top and bottom", "top and bottoms", "both", "both pieces", "full set", "set", "two piece", "2 piece"}},
		{id: "pieces_one_piece", title: "One-piece", phrases: []string{"one piece", "1 piece", "onepiece", "swimsuit", "jumpsuit", "dress"}},
	},
	models.FieldSize: {
		{id: "size_xxs", title: "XXS", phrases: []string{"xxs", "2xs", "extra extra small", "size xxs"}},
		{id: "size_xs", title: "XS", phrases: []string{"xs", "extra small", "size xs"}},
		{id: "size_s", title: "S", exact: []string{"s"}, phrases: []string{"small", "size s"}},
		{id: "size_m", title: "M", exact: []string{"m"}, phrases: []string{"medium", "size m"}},
		{id: "size_l", title: "L", exact: []string{"l"}, phrases: []string{"large", "size l"}},
		{id: "size_xl", title: "XL", phrases: []string{"xl", "extra large", "size xl"}},
		{id: "size_xxl", title: "XXL", phrases: []string{"xxl", "2xl", "extra extra large", "size xxl"}},
	},
	models.FieldCondition: {
		{id: "condition_nwt", title: "New with tags", phrases: []string{"new with tags", "brand new with tags", "tags attached", "with tags"}},
		{id: "condition_nwot", title: "New without tags", phrases: []string{"new without tags", "new no tags", "never worn", "without tags", "unworn"}},
		{id: "condition_excellent", title: "Excellent", phrases: []string{"excellent", "like new", "mint", "excellent used condition"}},
		{id: "condition_good", title: "Good", phrases: []string{"good", "gently used", "good used condition", "good condition"}},
		{id: "condition_fair", title: "Fair", phrases: []string{"fair", "worn", "visible wear", "some wear"}},
	},
}

// abbreviations are expanded token by token before matching.
var abbreviations = map[string]string{
	"nwt":  "new with tags",
	"bnwt": "new with tags",
	"nwot": "new without tags",
	"euc":  "excellent used condition",
	"guc":  "good used condition",
	"sz":   "size",
	"w":    "with",
}

var (
	currencyPrice = regexp.MustCompile(`[$£€]\s*(\d+(?:,\d{3})*(?:\.\d{1,2})?)`)
	suffixPrice   = regexp.MustCompile(`(?i)\b(\d+(?:,\d{3})*(?:\.\d{1,2})?)\s*(?:usd|dollars?|bucks)\b`)
	barePrice     = regexp.MustCompile(`^[$£€]?\s*(\d+(?:,\d{3})*(?:[.,]\d{1,2})?)\s*(?:usd|dollars?)?$`)
)

// normalize lowercases, expands abbreviations and reduces the input to space-separated
// words, padded with a space on both ends for phrase matching.
func normalize(input string) string {
	s := strings.ToLower(input)
	s = strings.ReplaceAll(s, "&", " and ")

	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		if exp, ok := abbreviations[w]; ok {
			words[i] = exp
		}
	}
	return " " + strings.Join(words, " ") + " "
}

// matchChoice returns the choice whose phrase is the longest one contained in the
// normalized input. Exact values are compared against the whole input.
func matchChoice(field models.Field, normalized string) (choice, bool) {
	whole := strings.TrimSpace(normalized)

	var (
		best    choice
		bestLen int
	)
	for _, c := range choices[field] {
		for _, e := range c.exact {
			if whole == e && len(e) > bestLen {
				best, bestLen = c, len(e)
			}
		}
		for _, p := range c.phrases {
			if len(p) > bestLen && strings.Contains(normalized, " "+p+" ") {
				best, bestLen = c, len(p)
			}
		}
	}
	return best, bestLen > 0
}

// matchExact compares the whole input against a choice id, title or any synonym.
func matchExact(field models.Field, input string) (choice, bool) {
	raw := strings.ToLower(strings.TrimSpace(input))
	whole := strings.TrimSpace(normalize(input))
	for _, c := range choices[field] {
		if raw == c.id || raw == strings.ToLower(c.title) || whole == strings.TrimSpace(normalize(c.title)) {
			return c, true
		}
		for _, e := range c.exact {
			if whole == e {
				return c, true
			}
		}
		for _, p := range c.phrases {
			if whole == p {
				return c, true
			}
		}
	}
	return choice{}, false
}

// ParseControl maps a button or list row id of the form <field>_<value> to its field
// and canonical value.
func ParseControl(id string) (models.Field, string, bool) {
	field, _, ok := strings.Cut(id, "_")
	if !ok {
		return "", "", false
	}
	for _, c := range choices[models.Field(field)] {
		if c.id == id {
			return models.Field(field), c.title, true
		}
	}
	return "", "", false
}

func parseCents(digits string) (int64, bool) {
	digits = strings.ReplaceAll(digits, ",", "")
	v, err := strconv.ParseFloat(digits, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) {
		return 0, false
	}
	cents := int64(math.Round(v * 100))
	return cents, cents > 0
}

// ParsePrice reads an amount marked with a currency symbol or word, or a whole input
// that is only a number. The result is in cents and always positive.
func ParsePrice(input string, whole bool) (int64, bool) {
	if m := currencyPrice.FindStringSubmatch(input); m != nil {
		return parseCents(m[1])
	}
	if m := suffixPrice.FindStringSubmatch(input); m != nil {
		return parseCents(m[1])
	}
	if whole {
		if m := barePrice.FindStringSubmatch(strings.ToLower(strings.TrimSpace(input))); m != nil {
			d := m[1]
			// "85,50" is a decimal comma, "1,200" a thousands separator.
			if i := strings.LastIndex(d, ","); i >= 0 && len(d)-i-1 <= 2 {
				d = d[:i] + "." + d[i+1:]
			}
			return parseCents(d)
		}
	}
	return 0, false
}

// FormatPrice renders cents as a dollar amount.
func FormatPrice(cents int64) string {
	return "$" + strconv.FormatInt(cents/100, 10) + "." + twoDigits(cents%100)
}

func twoDigits(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}

// Values holds parsed field values. Price is stored as a cents string.
type Values map[models.Field]string

// ParseValue validates input for a single known field. It is used for prompted
// answers, edits and values proposed by the extractor or the form.
func ParseValue(field models.Field, input string) (string, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false
	}

	switch field {
	case models.FieldDesigner:
		if utf8.RuneCountInString(input) > maxDesignerLength {
			return "", false
		}
		if _, isNumber := ParsePrice(input, true); isNumber {
			return "", false
		}
		return input, true

	case models.FieldPrice:
		cents, ok := ParsePrice(input, true)
		if !ok {
			return "", false
		}
		return strconv.FormatInt(cents, 10), true

	case models.FieldNotes:
		if utf8.RuneCountInString(input) > maxNotesLength {
			return "", false
		}
		return input, true

	case models.FieldPieces, models.FieldSize, models.FieldCondition:
		if fieldOf, value, ok := ParseControl(input); ok && fieldOf == field {
			return value, true
		}
		if c, ok := matchExact(field, input); ok {
			return c.title, true
		}
		if c, ok := matchChoice(field, normalize(input)); ok {
			return c.title, true
		}
		return "", false

	default:
		return "", false
	}
}

// ParseFreeText pulls every recognizable field out of a message. The designer is only
// taken from free text when it is the prompted field and nothing else matched.
func ParseFreeText(input string, prompted models.Field) Values {
	values := Values{}
	if field, value, ok := ParseControl(strings.TrimSpace(input)); ok {
		values[field] = value
		return values
	}

	normalized := normalize(input)
	for _, field := range []models.Field{models.FieldPieces, models.FieldSize, models.FieldCondition} {
		if c, ok := matchChoice(field, normalized); ok {
			values[field] = c.title
		}
	}

	if cents, ok := ParsePrice(input, prompted == models.FieldPrice); ok {
		values[models.FieldPrice] = strconv.FormatInt(cents, 10)
	}

	if len(values) == 0 && prompted == models.FieldDesigner {
		if v, ok := ParseValue(models.FieldDesigner, input); ok {
			values[models.FieldDesigner] = v
		}
	}

	return values
}

// Apply writes values onto draft and returns the fields that changed.
func (v Values) Apply(draft *models.ListingDraft) []models.Field {
	var changed []models.Field
	for _, field := range allFields {
		value, ok := v[field]
		if !ok {
			continue
		}
		switch field {
		case models.FieldDesigner:
			draft.Designer = value
		case models.FieldPieces:
			draft.PiecesIncluded = value
		case models.FieldSize:
			draft.Size = value
		case models.FieldCondition:
			draft.Condition = value
		case models.FieldPrice:
			cents, err := strconv.ParseInt(value, 10, 64)
			if err != nil || cents <= 0 {
				continue
			}
			draft.PriceCents = cents
		case models.FieldNotes:
			draft.Notes = value
		}
		changed = append(changed, field)
	}
	return changed
}

// Validate re-checks proposed values field by field and keeps the ones that pass.
func Validate(proposed map[string]string) Values {
	out := Values{}
	for key, raw := range proposed {
		field := models.Field(strings.ToLower(strings.TrimSpace(key)))
		if value, ok := ParseValue(field, raw); ok {
			out[field] = value
		}
	}
	return out
}
