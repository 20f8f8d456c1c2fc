package config

import "fmt"

// WorkersFile is the hot-reloadable file carrying worker enable flags
const WorkersFile = "workers.yaml"

// ParseWorkerToggles reads the enable flags out of a parsed workers.yaml:
//
//	workers:
//	  docs: {enabled: true}
//	  catalog: false
func ParseWorkerToggles(cfg map[string]interface{}) (map[string]bool, error) {
	raw, ok := cfg["workers"]
	if !ok || raw == nil {
		return map[string]bool{}, nil
	}
	entries, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("workers must be a mapping, got %T", raw)
	}

	out := make(map[string]bool, len(entries))
	for id, v := range entries {
		switch val := v.(type) {
		case bool:
			out[id] = val
		case map[string]interface{}:
			enabled, ok := val["enabled"].(bool)
			if !ok {
				return nil, fmt.Errorf("worker %q: enabled must be a boolean", id)
			}
			out[id] = enabled
		default:
			return nil, fmt.Errorf("worker %q: unexpected value %T", id, v)
		}
	}
	return out, nil
}

// WorkerTogglesValidator rejects workers.yaml files naming unknown workers
func WorkerTogglesValidator(known func(id string) bool) Validator {
	return func(cfg map[string]interface{}) error {
		toggles, err := ParseWorkerToggles(cfg)
		if err != nil {
			return err
		}
		for id := range toggles {
			if !known(id) {
				return fmt.Errorf("unknown worker %q", id)
			}
		}
		return nil
	}
}
