// Package compose prepares a loaded imageset.Set for writing: it
// resolves the flash-parameter word every image's boot header needs,
// optionally merges the device's existing filesystem block with a
// bundled one, and optionally provisions a fresh identity block when
// the device doesn't already carry one. This is esp8266.cc's
// FlasherImpl::run, the part before its write loop.
package compose

import (
	"fmt"

	"github.com/flashkit/esp8266boot/internal/fsimage"
	"github.com/flashkit/esp8266boot/internal/identity"
	"github.com/flashkit/esp8266boot/internal/imageset"
	"github.com/flashkit/esp8266boot/internal/protocol"
)

// SPIFFS block location and size, matching the layout esp8266.cc's
// mergeFlashLocked assumes.
const (
	SPIFFSOffset = 0x6d000
	SPIFFSSize   = 0x10000
)

// FlashReader reads raw bytes directly off the device's flash, the
// capability internal/stub.ReadFlash provides. Composer depends on
// this narrow interface rather than *bootloader.Session directly so
// its tests can supply a fake.
type FlashReader interface {
	ReadFlash(offset, length uint32) ([]byte, error)
}

// Options controls which of Composer.Prepare's optional steps run.
type Options struct {
	// OverrideParams, if non-nil, is used verbatim instead of anything
	// read from the device or the 0x0000 image.
	OverrideParams *protocol.FlashParams
	// PreserveParams reads the flash-parameter word already on the
	// device and carries it forward, the default esptool.py behavior.
	PreserveParams bool
	// MergeFilesystem reads the device's SPIFFS block and merges the
	// set's SPIFFS image onto it instead of overwriting it outright.
	MergeFilesystem bool
	// GenerateIdentity provisions a fresh identity.Generate block at
	// identity.Offset if the device doesn't already have a valid one.
	GenerateIdentity bool
	// Hostname is used when generating a new identity block.
	Hostname string
}

// Composer runs the pre-write preparation steps against a device.
type Composer struct {
	dev FlashReader
}

// New returns a Composer that reads device state through dev.
func New(dev FlashReader) *Composer {
	return &Composer{dev: dev}
}

// Prepare mutates set in place per opts: applying resolved flash
// params to the 0x0000 image, merging the filesystem block if present
// and requested, and adding an identity block if requested and
// missing.
func (c *Composer) Prepare(set imageset.Set, opts Options) error {
	params, err := c.resolveParams(set, opts)
	if err != nil {
		return err
	}
	if params != nil {
		if boot, ok := set.Image(0); ok && len(boot) >= 4 && boot[0] == protocol.BootMagic {
			params.ApplyTo(boot)
		}
	}

	if opts.MergeFilesystem {
		if bundled, ok := set.Image(SPIFFSOffset); ok {
			merged, err := c.mergeFilesystem(bundled)
			if err != nil {
				return fmt.Errorf("merge filesystem: %w", err)
			}
			set.Put(SPIFFSOffset, merged)
		}
	}

	if opts.GenerateIdentity {
		if err := c.provisionIdentity(set, opts.Hostname); err != nil {
			return fmt.Errorf("provision identity: %w", err)
		}
	}

	return nil
}

// resolveParams decides the flash-parameter word to apply to the
// 0x0000 image, in the same precedence order as esp8266.cc's run():
// an explicit override wins outright; otherwise PreserveParams reads
// the device; otherwise the 0x0000 image's own params (if it has any)
// are left as they are and nothing is applied.
func (c *Composer) resolveParams(set imageset.Set, opts Options) (*protocol.FlashParams, error) {
	if opts.OverrideParams != nil {
		p := *opts.OverrideParams
		return &p, nil
	}
	if opts.PreserveParams {
		raw, err := c.dev.ReadFlash(0, 4)
		if err != nil {
			return nil, fmt.Errorf("read flash params from device: %w", err)
		}
		p, ok := protocol.FlashParamsOf(raw)
		if !ok {
			return nil, fmt.Errorf("device's existing image doesn't have a valid boot header")
		}
		return &p, nil
	}
	return nil, nil
}

// mergeFilesystem reads the device's current SPIFFS block and
// overlays bundled's files onto it.
func (c *Composer) mergeFilesystem(bundled []byte) ([]byte, error) {
	raw, err := c.dev.ReadFlash(SPIFFSOffset, SPIFFSSize)
	if err != nil {
		return nil, fmt.Errorf("read device filesystem: %w", err)
	}

	dev, err := fsimage.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse device filesystem: %w", err)
	}
	update, err := fsimage.Parse(bundled)
	if err != nil {
		return nil, fmt.Errorf("parse bundled filesystem: %w", err)
	}
	if err := dev.Merge(update); err != nil {
		return nil, err
	}
	merged, err := dev.Bytes()
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// provisionIdentity checks whether the device already carries a valid
// identity block and, if not, adds a freshly generated one to set.
func (c *Composer) provisionIdentity(set imageset.Set, hostname string) error {
	raw, err := c.dev.ReadFlash(identity.Offset, identity.Size)
	if err != nil {
		return fmt.Errorf("read existing identity block: %w", err)
	}
	if identity.Verify(raw) {
		return nil
	}
	block, err := identity.Generate(hostname)
	if err != nil {
		return err
	}
	set.Put(identity.Offset, block)
	return nil
}
