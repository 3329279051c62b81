// SPDX-License-Identifier: Apache-2.0

// Package confirm implements the operator confirmation gate that guards
// every migration-executing operation: a scoped skip flag, a prod-schema
// name challenge, and a plain yes/no prompt, applied in a fixed precedence
// order.
package confirm

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/pgmigrate/pgmigrate/internal/config"
	"github.com/pgmigrate/pgmigrate/pkg/errkind"
)

// Gate decides whether an operation may proceed, prompting the operator
// when the profile requires it. It is not safe for concurrent use: a
// single migration run owns one Gate.
type Gate struct {
	profile              config.Profile
	nonInteractive       bool
	confirmOverride      bool
	skipNextConfirmation bool
}

// New builds a Gate for one run. nonInteractive mirrors the CLI's
// --non-interactive flag; confirmOverride mirrors --confirm-prod passed to
// an individual command invocation (as opposed to the profile's
// confirm_prod setting, which is a standing requirement).
func New(profile config.Profile, nonInteractive, confirmOverride bool) *Gate {
	return &Gate{profile: profile, nonInteractive: nonInteractive, confirmOverride: confirmOverride}
}

// SkipNext causes the single next call to Confirm to succeed without
// prompting, then resets. Retry uses this to avoid asking the operator to
// confirm twice for one logical retry (once for the implicit revert, once
// for the re-apply).
func (g *Gate) SkipNext() {
	g.skipNextConfirmation = true
}

// Confirm applies the gate's precedence order: a pending skip always wins;
// otherwise confirm_prod+override bypasses the prompt; otherwise a
// non-interactive run either passes (if no prod confirmation is required)
// or fails fast; otherwise an interactive prompt is shown, either a
// schema-name challenge (confirm_prod) or a plain yes/no.
func (g *Gate) Confirm(message, actionDescription string) error {
	if g.skipNextConfirmation {
		g.skipNextConfirmation = false
		return nil
	}

	if g.profile.ConfirmProd && g.confirmOverride {
		return nil
	}

	if g.nonInteractive || !g.profile.Interactive {
		if g.profile.ConfirmProd && !g.confirmOverride {
			return errkind.New(errkind.ProdConfirmationRequired, "production execution in non-interactive mode requires --confirm-prod")
		}
		return nil
	}

	if g.profile.ConfirmProd {
		prompt := message + " Type the database schema name to confirm"
		response, _ := pterm.DefaultInteractiveTextInput.WithDefaultText(prompt).Show()
		if strings.TrimSpace(response) != g.profile.Schema {
			return errkind.New(errkind.ConfirmationRejected, "confirmation failed; aborting")
		}
		return nil
	}

	description := actionDescription
	if description == "" {
		description = message
	}
	ok, _ := pterm.DefaultInteractiveConfirm.WithDefaultText(description).Show()
	if !ok {
		return errkind.New(errkind.UserAborted, "user aborted execution")
	}
	return nil
}

// ConfirmExecution is the confirmation shown before running count
// migrations in the given direction ("up" or "down").
func (g *Gate) ConfirmExecution(count int, direction string) error {
	env := g.profile.AppEnv
	if env == "" {
		env = g.profile.Name
	}
	if env == "" {
		env = "current"
	}
	message := fmt.Sprintf("about to run %d migration(s) %s in environment %s", count, direction, env)
	return g.Confirm(message, fmt.Sprintf("apply %d migration(s) (%s)", count, direction))
}
