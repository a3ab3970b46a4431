package usecase

import "strings"

// Detail selects the prompt and the keys the reply must carry.
type Detail string

const (
	DetailBasic    Detail = "basic"
	DetailDetailed Detail = "detailed"
)

// ParseDetail maps a user supplied level to a Detail. Empty means basic.
func ParseDetail(s string) (Detail, bool) {
	switch Detail(strings.ToLower(strings.TrimSpace(s))) {
	case "", DetailBasic:
		return DetailBasic, true
	case DetailDetailed:
		return DetailDetailed, true
	}
	return "", false
}

type promptTemplate struct {
	system       string
	user         string
	requiredKeys []string
}

const systemPrompt = "You are an expert in identity document verification. " +
	"You examine photos of documents and always answer with strict JSON only."

var basicKeys = []string{"is_id_card", "confidence", "type"}

var templates = map[Detail]promptTemplate{
	DetailBasic: {
		system: systemPrompt,
		user: `Analyze this image and decide whether it shows an identity document.
Answer ONLY with a JSON object of exactly this shape and nothing else:
{"is_id_card": true or false, "confidence": number between 0 and 1, "type": "id_card_front" | "id_card_back" | "passport" | "driver_license" | "other"}
Do not include explanations.`,
		requiredKeys: basicKeys,
	},
	DetailDetailed: {
		system: systemPrompt,
		user: `Analyze this image and decide whether it shows an identity document.
Answer ONLY with a JSON object of exactly this shape and nothing else:
{
  "is_id_card": true or false,
  "confidence": number between 0 and 1,
  "type": "id_card_front" | "id_card_back" | "passport" | "driver_license" | "other",
  "side": "front" | "back" | "unknown",
  "features_found": list of strings such as "photo", "mrz", "hologram", "signature", "barcode", "chip",
  "quality_check": "good" | "blurry" | "cropped" | "reflection"
}
Do not include explanations.`,
		requiredKeys: append(append([]string{}, basicKeys...), "side", "features_found", "quality_check"),
	},
}

// RequiredKeys returns the keys a reply at level d must contain.
func RequiredKeys(d Detail) []string {
	return append([]string(nil), templates[d].requiredKeys...)
}
