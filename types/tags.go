package types

import "sort"

// MissingTags returns the required keys absent from tags, sorted.
// A key present with an empty value counts as present.
func MissingTags(tags map[string]string, required map[string]string) []string {
	var missing []string
	for key := range required {
		if _, ok := tags[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

// FillAbsentTags returns only the tags that must be added so that every
// required key exists. Existing keys are never included, whatever their value.
func FillAbsentTags(existing map[string]string, defaults map[string]string) map[string]string {
	add := make(map[string]string)
	for _, key := range MissingTags(existing, defaults) {
		add[key] = defaults[key]
	}
	return add
}
