package config

// DeepMerge merges src into dst and returns a new map; neither input is
// mutated. Maps merge recursively; every other value, including lists,
// replaces wholesale. This matches the layer semantics: org < group < team <
// sub-team, later layers win per key.
func DeepMerge(dst, src Document) Document {
	out := make(Document, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcMap, srcIsMap := asDocument(v)
		dstMap, dstIsMap := asDocument(out[k])
		if srcIsMap && dstIsMap {
			out[k] = map[string]any(DeepMerge(dstMap, srcMap))
			continue
		}
		out[k] = v
	}
	return out
}

func asDocument(v any) (Document, bool) {
	switch m := v.(type) {
	case Document:
		return m, true
	case map[string]any:
		return Document(m), true
	}
	return nil, false
}
