// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"fmt"
	"regexp"
)

// modelNamePattern accepts [namespace/]name[:tag] as used by the Ollama
// registry and watsonx model ids.
var modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(/[A-Za-z0-9][A-Za-z0-9._-]*)*(:[A-Za-z0-9][A-Za-z0-9._-]{0,127})?$`)

const maxModelNameLen = 255

// ValidateModelName returns an error wrapping ErrInvalidModelName when
// name is not a well-formed model identifier.
func ValidateModelName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidModelName)
	}
	if len(name) > maxModelNameLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidModelName, maxModelNameLen)
	}
	if !modelNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidModelName, name)
	}
	return nil
}

// SameModel reports whether two names refer to the same model. A name
// without a tag matches the ":latest" tag, as the Ollama daemon treats
// them.
func SameModel(a, b string) bool {
	return normalizeTag(a) == normalizeTag(b)
}

func normalizeTag(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		switch name[i] {
		case ':':
			return name
		case '/':
			return name + ":latest"
		}
	}
	return name + ":latest"
}
