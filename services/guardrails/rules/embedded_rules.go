// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
This file serves as the bridge between the build system and the runtime logic. It utilizes the Go
embed package to bake the message_security_patterns.yaml file directly into the compiled binary.
This ensures that the pattern rules are immutable at runtime and travel with the executable.
*/

package rules

import (
	_ "embed"
)

// MessageSecurityPatterns holds the raw byte content of the
// 'message_security_patterns.yaml' file.
//
// This variable is populated at compile-time using the Go 'embed' directive.
//
// Usage:
//
//	// Pass these bytes directly to yaml.Unmarshal
//	err := yaml.Unmarshal(rules.MessageSecurityPatterns, &targetStruct)
//
//go:embed message_security_patterns.yaml
var MessageSecurityPatterns []byte
