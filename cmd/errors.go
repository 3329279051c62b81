// SPDX-License-Identifier: Apache-2.0

package cmd

import "errors"

var errMissingTarget = errors.New("no target migration specified")
