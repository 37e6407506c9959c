// Package command classifies free-form or emoji input into a small set of
// canonical commands using normalized edit-distance scoring.
package command
