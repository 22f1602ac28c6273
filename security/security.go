// Package security applies password encryption and permission flags to a
// finished document.
package security

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// KeyLength is the AES key size used for encryption.
const KeyLength = 256

// Permissions are the user-level rights granted to someone who opens the
// document with the user password.
type Permissions struct {
	Print             bool
	PrintHighQuality  bool
	Modify            bool
	Assemble          bool
	Copy              bool
	ExtractAccessible bool
	ModifyAnnotations bool
	FillForms         bool
}

// AllPermissions grants every right.
func AllPermissions() Permissions {
	return Permissions{
		Print:             true,
		PrintHighQuality:  true,
		Modify:            true,
		Assemble:          true,
		Copy:              true,
		ExtractAccessible: true,
		ModifyAnnotations: true,
		FillForms:         true,
	}
}

// User access permission bits of the standard security handler, numbered
// from 1.
const (
	bitPrint             = 1 << 2
	bitModify            = 1 << 3
	bitCopy              = 1 << 4
	bitModifyAnnotations = 1 << 5
	bitFillForms         = 1 << 8
	bitExtractAccessible = 1 << 9
	bitAssemble          = 1 << 10
	bitPrintHighQuality  = 1 << 11

	// reservedBits are required to be set: bits 7, 8 and 13 to 16.
	reservedBits = 0xF0C0
)

// Flags returns the P value for p.
func (p Permissions) Flags() int {
	flags := reservedBits
	set := func(ok bool, bit int) {
		if ok {
			flags |= bit
		}
	}
	set(p.Print, bitPrint)
	set(p.PrintHighQuality, bitPrintHighQuality)
	set(p.Modify, bitModify)
	set(p.Assemble, bitAssemble)
	set(p.Copy, bitCopy)
	set(p.ExtractAccessible, bitExtractAccessible)
	set(p.ModifyAnnotations, bitModifyAnnotations)
	set(p.FillForms, bitFillForms)
	return flags
}

// PermissionsFromFlags decodes a P value.
func PermissionsFromFlags(flags int) Permissions {
	has := func(bit int) bool { return flags&bit != 0 }
	return Permissions{
		Print:             has(bitPrint),
		PrintHighQuality:  has(bitPrintHighQuality),
		Modify:            has(bitModify),
		Assemble:          has(bitAssemble),
		Copy:              has(bitCopy),
		ExtractAccessible: has(bitExtractAccessible),
		ModifyAnnotations: has(bitModifyAnnotations),
		FillForms:         has(bitFillForms),
	}
}

// Settings describe the requested encryption.
type Settings struct {
	Encrypt       bool
	OwnerPassword string
	UserPassword  string
	Permissions   Permissions
}

// Enabled reports whether encryption applies: it must be switched on and
// carry at least one non-empty password.
func (s Settings) Enabled() bool {
	return s.Encrypt && (s.OwnerPassword != "" || s.UserPassword != "")
}

// Configuration returns the pdfcpu configuration that encrypts with s.
func (s Settings) Configuration() *model.Configuration {
	owner := s.OwnerPassword
	if owner == "" {
		owner = s.UserPassword
	}
	conf := model.NewAESConfiguration(s.UserPassword, owner, KeyLength)
	conf.Permissions = model.PermissionFlags(s.Permissions.Flags())
	return conf
}

// Apply encrypts data according to s. When s is not Enabled, data is
// returned unchanged.
func Apply(ctx context.Context, data []byte, s Settings) ([]byte, error) {
	if !s.Enabled() {
		return data, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := api.Encrypt(bytes.NewReader(data), &buf, s.Configuration()); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return buf.Bytes(), nil
}
