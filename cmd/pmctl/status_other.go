//go:build !linux

package main

import (
	"errors"
)

func runStatus(g *globals, args []string) error {
	return errors.New("status: /dev/mem access is only supported on linux")
}
