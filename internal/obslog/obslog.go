// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation, either version 3 of the License, or (at your option)
// any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License for
// more details.
//
// You should have received a copy of the GNU General Public License along
// with this program. If not, see <http://www.gnu.org/licenses/>.

// Package obslog provides the process-wide diagnostic logger for
// developer-facing messages; cmd/overlayd uses it for its startup and run
// failures. It is a thin convenience wrapper around
// github.com/calmh/logger, the same leveled, handler-based logger the
// teacher codebase vendors under Godeps and later inlines as
// internal/logger. This is distinct from internal/ledger, which implements
// the append-only EVENT/ERROR record the protocol spec mandates.
package obslog

import "github.com/calmh/logger"

// Default is the package-wide logger instance, bound to a package-level
// `var l = obslog.Default` in cmd/overlayd the way the teacher's `var l =
// logger.DefaultLogger` does throughout cmd/syncthing.
var Default = logger.DefaultLogger
