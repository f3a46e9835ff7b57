package domain

// TechniqueRef identifies an adversary technique. Two refs are the same
// technique when their IDs match; Name and Description are informational.
type TechniqueRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// MergeTechniques appends every technique in src whose ID is not already in
// dst. The first occurrence of an ID wins.
func MergeTechniques(dst, src []TechniqueRef) []TechniqueRef {
	if len(src) == 0 {
		return dst
	}
	seen := make(map[string]struct{}, len(dst)+len(src))
	for _, t := range dst {
		seen[t.ID] = struct{}{}
	}
	for _, t := range src {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		dst = append(dst, t)
	}
	return dst
}
