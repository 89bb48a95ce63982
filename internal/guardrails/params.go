package guardrails

import "fmt"

// Parameter payloads arrive as decoded JSON, so numbers are float64 and
// lists are []any. These helpers normalize the shapes each rule kind needs.

func intParam(params map[string]any, key string) (int, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", key)
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("parameter %q is not an integer: %v", key, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("parameter %q has unexpected type %T", key, raw)
	}
}

func floatParam(params map[string]any, key string) (float64, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("parameter %q has unexpected type %T", key, raw)
	}
}

func stringParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing parameter %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q has unexpected type %T", key, raw)
	}
	return s, nil
}

func stringSliceParam(params map[string]any, key string) ([]string, error) {
	raw, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("missing parameter %q", key)
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q contains non-string element %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q has unexpected type %T", key, raw)
	}
}
