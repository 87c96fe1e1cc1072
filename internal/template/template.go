// Package template provides the base-image template registry backed by a
// local SQLite database.
package template

import (
	"fmt"
	"os"
)

// RoleKind classifies what a template is used for.
type RoleKind string

const (
	KindGateway    RoleKind = "gateway"
	KindApp        RoleKind = "app"
	KindDisposable RoleKind = "disposable_app"
	KindGeneric    RoleKind = "generic"
)

// ParseRoleKind maps a user-supplied kind string to a RoleKind.
func ParseRoleKind(s string) (RoleKind, error) {
	switch RoleKind(s) {
	case KindGateway, KindApp, KindDisposable, KindGeneric:
		return RoleKind(s), nil
	}
	return "", fmt.Errorf("unknown role kind %q (want gateway, app, disposable_app or generic)", s)
}

// Template describes a registered qcow2 base image.
type Template struct {
	ID           string `gorm:"primaryKey"`
	Label        string `gorm:"uniqueIndex"`
	Path         string
	OSVariant    string
	RoleKind     RoleKind `gorm:"index"`
	DefaultRAMMB int
	Notes        string
}

// Validate checks that the template references an existing, readable
// regular file and carries the fields virt-install needs.
func (t *Template) Validate() error {
	if t.Label == "" {
		return fmt.Errorf("template has no label")
	}
	if t.OSVariant == "" {
		return fmt.Errorf("template %q has no OS variant", t.Label)
	}
	if _, err := ParseRoleKind(string(t.RoleKind)); err != nil {
		return fmt.Errorf("template %q: %w", t.Label, err)
	}

	info, err := os.Stat(t.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("template image %s does not exist", t.Path)
		}
		return fmt.Errorf("stat template image: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("template image %s is not a regular file", t.Path)
	}
	return nil
}
