// https://github.com/f-secure-foundry/go-sdmmc
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import log "github.com/sirupsen/logrus"

// SetLogger copies the output, level and formatter of l onto logrus's
// standard logger, which this package uses for bring-up and transfer
// diagnostics. Hooks and other settings of l are not copied, and the change
// applies to every user of the standard logger in the process. A nil l is
// ignored.
func SetLogger(l *log.Logger) {
	if l == nil {
		return
	}
	log.SetOutput(l.Out)
	log.SetLevel(l.Level)
	log.SetFormatter(l.Formatter)
}
