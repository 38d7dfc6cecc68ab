package simmap

import "strconv"

// tokenSignals extracts per-token patch similarity vectors from a hit's
// summary features. The index serializes the similarity tensor as cells
// addressed by (querytoken, patch); anything that does not match that shape
// is ignored.
func tokenSignals(fields map[string]any) map[int][]float64 {
	features, ok := fields["summaryfeatures"].(map[string]any)
	if !ok {
		return nil
	}
	tensor, ok := features["similarities"].(map[string]any)
	if !ok {
		return nil
	}
	cells, ok := tensor["cells"].([]any)
	if !ok {
		return nil
	}

	out := make(map[int][]float64)
	for _, raw := range cells {
		cell, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		address, ok := cell["address"].(map[string]any)
		if !ok {
			continue
		}
		token, err1 := addressInt(address, "querytoken")
		patch, err2 := addressInt(address, "patch")
		value, isNum := cell["value"].(float64)
		if err1 != nil || err2 != nil || !isNum {
			continue
		}

		grid := out[token]
		for len(grid) <= patch {
			grid = append(grid, 0)
		}
		grid[patch] = value
		out[token] = grid
	}
	return out
}

func addressInt(address map[string]any, key string) (int, error) {
	s, _ := address[key].(string)
	return strconv.Atoi(s)
}
