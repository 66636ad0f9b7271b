package proxy

import (
	"regexp"
	"strings"
)

// Name-based inference of architecture/family/parameter-size/quantization,
// used to fill in OllamaModelDetails fields LM Studio's catalog entry
// doesn't already carry. Aliases get the details inferred from their
// target's identifier; an alias carries no details overrides of its own.
var (
	architecturePatterns = map[string]*regexp.Regexp{
		"command-r": regexp.MustCompile(`(?i)command-r`),
		"gemma2":    regexp.MustCompile(`(?i)gemma2`),
		"gemma3":    regexp.MustCompile(`(?i)gemma3`),
		"gemma":     regexp.MustCompile(`(?i)gemma`),
		"llama4":    regexp.MustCompile(`(?i)llama-?4`),
		"llama3":    regexp.MustCompile(`(?i)llama-?3`),
		"llama":     regexp.MustCompile(`(?i)llama`),
		"mistral3":  regexp.MustCompile(`(?i)mistral-?3`),
		"mistral":   regexp.MustCompile(`(?i)mistral`),
		"phi3":      regexp.MustCompile(`(?i)phi-?3`),
		"phi":       regexp.MustCompile(`(?i)phi`),
		"qwen2.5vl": regexp.MustCompile(`(?i)qwen-?2\.5-?vl`),
		"qwen3":     regexp.MustCompile(`(?i)qwen-?3`),
		"qwen2":     regexp.MustCompile(`(?i)qwen-?2`),
		"qwen":      regexp.MustCompile(`(?i)qwen`),
		"bert":      regexp.MustCompile(`(?i)bert`),
		"clip":      regexp.MustCompile(`(?i)clip`),
	}
	orderedArchKeys = []string{
		"command-r", "gemma3", "gemma2", "gemma", "llama4", "llama3", "llama",
		"mistral3", "mistral", "phi3", "phi", "qwen2.5vl", "qwen3", "qwen2", "qwen",
		"bert", "clip",
	}

	parameterSizePattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?(?:x\d+)?)[BMGT]?B`)
	quantizationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)IQ[1-4]_(XXS|XS|S|M|NL)`),
		regexp.MustCompile(`(?i)Q[2-8]_(0|1|[KSLM]+(?:_[KSLM]+)?)`),
		regexp.MustCompile(`(?i)BPW\d+`),
		regexp.MustCompile(`(?i)GGML_TYPE_Q[2-8]_\d`),
		regexp.MustCompile(`(?i)F(?:P)?(16|32)`),
		regexp.MustCompile(`(?i)BF16`),
	}

	knownFamilies = []string{"llama", "qwen", "phi", "mistral", "gemma", "command-r", "bert", "clip"}
)

func inferPattern(name string, patterns map[string]*regexp.Regexp, orderedKeys []string) string {
	nameLower := strings.ToLower(name)
	for _, key := range orderedKeys {
		pattern, ok := patterns[key]
		if !ok || pattern == nil {
			continue
		}
		if pattern.MatchString(nameLower) {
			return key
		}
	}
	return "unknown"
}

func inferQuantizationLevelFromName(name string) string {
	for _, pattern := range quantizationPatterns {
		match := pattern.FindString(name)
		if match != "" {
			return strings.ToUpper(match)
		}
	}
	return "unknown"
}

func inferParameterSizeFromName(name string) string {
	match := parameterSizePattern.FindStringSubmatch(name)
	if len(match) > 0 {
		return strings.ToUpper(match[0])
	}
	return "unknown"
}

func inferFamilyFromName(nameForInference string, currentArch string) string {
	if currentArch != "unknown" && currentArch != "" {
		re := regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_]*)`)
		match := re.FindStringSubmatch(currentArch)
		if len(match) > 1 {
			potentialFamily := strings.ToLower(match[1])
			for _, kf := range knownFamilies {
				if potentialFamily == kf {
					return kf
				}
			}
			for _, kf := range knownFamilies {
				if strings.ToLower(currentArch) == kf {
					return kf
				}
			}
		}
	}

	orderedFamilyCheckKeys := []string{"command-r", "gemma", "llama", "mistral", "phi", "qwen", "bert", "clip"}
	familyPatterns := make(map[string]*regexp.Regexp)
	for _, key := range orderedFamilyCheckKeys {
		if p, ok := architecturePatterns[key]; ok {
			familyPatterns[key] = p
		}
	}
	return inferPattern(nameForInference, familyPatterns, orderedFamilyCheckKeys)
}

// inferredModelDetails fills in the Ollama "details" shape from a bare
// model identifier string, used when LM Studio's own catalog entry is
// sparse.
func inferredModelDetails(modelID string) OllamaModelDetails {
	arch := inferPattern(modelID, architecturePatterns, orderedArchKeys)
	family := inferFamilyFromName(modelID, arch)
	families := []string{}
	if family != "unknown" {
		families = append(families, family)
	}
	return OllamaModelDetails{
		Format:            "gguf",
		Family:            family,
		Families:          families,
		ParameterSize:     inferParameterSizeFromName(modelID),
		QuantizationLevel: inferQuantizationLevelFromName(modelID),
	}
}
