// Package commands implements the courier CLI subcommands.
package commands
