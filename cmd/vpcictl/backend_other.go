//go:build !linux

package main

import (
	"errors"
	"io"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/platform"
)

type closingBackend interface {
	pci.Backend
	io.Closer
}

func openBackend(path string, p *platform.Platform) (closingBackend, error) {
	return nil, errors.New("--mmap is only supported on linux")
}
