//go:build !linux

package main

import (
	"errors"
	"os"
)

func rawMode(int) (func(), error) {
	return nil, errors.New("line editing is only supported on linux")
}

func isTerminal(*os.File) bool { return false }
