// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assistant

import "context"

// Dialogs collects settings from the user.
//
// A dialog the user dismisses returns ok=false and a nil error; the
// settings are then left unchanged.
type Dialogs interface {
	// ServerDialog asks for host and port, prefilled with the current values.
	ServerDialog(ctx context.Context, host, port string) (newHost, newPort string, ok bool, err error)

	// ModelDialog asks the user to choose one of models.
	ModelDialog(ctx context.Context, models []string, current string) (model string, ok bool, err error)

	// ShowError reports a failure the user must acknowledge.
	ShowError(ctx context.Context, title, message string)
}
