package jsontemplate

import (
	"fmt"
	"strconv"
)

const paramKey = "$param"

// Resolve finds every `{ "$param": "param_name" }` reference in a decoded
// config document and returns the replacement values keyed by their dotted
// path. References inside arrays replace the whole array at the array's path.
// Param values are always strings and rely on the config decoder to convert
// them to the field's type.
func Resolve(doc map[string]any, params *Params) (map[string]any, error) {
	resolved := make(map[string]any)
	if err := collect(doc, "", params, resolved); err != nil {
		return nil, fmt.Errorf("parameter resolution failed: %w", err)
	}
	return resolved, nil
}

// collect walks plain objects and records every changed leaf.
func collect(obj map[string]any, prefix string, params *Params, resolved map[string]any) error {
	for k, v := range obj {
		path := joinPath(prefix, k)
		if child, ok := v.(map[string]any); ok {
			if _, isParam := child[paramKey]; !isParam {
				if err := collect(child, path, params, resolved); err != nil {
					return err
				}
				continue
			}
		}

		value, changed, err := resolveNode(v, path, params)
		if err != nil {
			return err
		}
		if changed {
			resolved[path] = value
		}
	}
	return nil
}

// resolveNode returns a copy of node with param references replaced.
func resolveNode(node any, path string, params *Params) (any, bool, error) {
	switch n := node.(type) {

	// Object, possibly a $param reference
	case map[string]any:
		if paramName, isParam := n[paramKey]; isParam {
			if len(n) != 1 {
				return nil, false, fmt.Errorf("$param reference at %q must not have other fields", path)
			}
			name, isString := paramName.(string)
			if !isString {
				return nil, false, fmt.Errorf("param name at %q must be a string", path)
			}
			value, exists := params.Get(name)
			if !exists {
				return nil, false, fmt.Errorf("missing parameter %q", name)
			}
			return value, true, nil
		}

		result := make(map[string]any, len(n))
		changed := false
		for k, v := range n {
			processed, c, err := resolveNode(v, joinPath(path, k), params)
			if err != nil {
				return nil, false, err
			}
			result[k] = processed
			changed = changed || c
		}
		return result, changed, nil

	// Array, process each item
	case []any:
		result := make([]any, len(n))
		changed := false
		for i, item := range n {
			processed, c, err := resolveNode(item, path+"["+strconv.Itoa(i)+"]", params)
			if err != nil {
				return nil, false, err
			}
			result[i] = processed
			changed = changed || c
		}
		return result, changed, nil

	// Primitive value, done
	default:
		return node, false, nil
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
