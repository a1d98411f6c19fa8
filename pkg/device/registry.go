package device

import (
	"sort"

	"github.com/pkg/errors"

	"sriov-emu/pkg/pci"
)

// Fixed config-space layout of the emulated controllers.
const (
	DefaultARIOffset   = 0x150
	DefaultSRIOVOffset = 0x160
)

var (
	e1000eClass = ClassConfig{
		Name:        "e1000e",
		Description: "Intel 82574L GbE Controller",
		VendorID:    pci.VendorIntel,
		DeviceID:    0x10D3,
		MSIXVectors: 5,
		ROMFile:     "efi-e1000e.rom",
	}

	igbClass = ClassConfig{
		Name:        "igb",
		Description: "Intel 82576 Gigabit Ethernet Controller",
		VendorID:    pci.VendorIntel,
		DeviceID:    0x10C9,
		VFDeviceID:  0x10CA,
		Revision:    1,
		MSIXVectors: 9,
		HasSRIOV:    true,
		TotalVFs:    8,
		InitialVFs:  8,
		VFOffset:    0x80,
		VFStride:    2,
		ARIOffset:   DefaultARIOffset,
		SRIOVOffset: DefaultSRIOVOffset,
		ROMFile:     "efi-igb.rom",
		Hooks: Hooks{
			PostRealize: []Hook{IGBIdentityFixup},
			PostReset:   []Hook{IGBIdentityFixup},
		},
	}
)

// Registry maps variant tags to class records. It is read-only once built.
type Registry struct {
	classes map[string]ClassConfig
}

// NewRegistry validates and indexes classes.
func NewRegistry(classes ...ClassConfig) (*Registry, error) {
	r := &Registry{classes: make(map[string]ClassConfig, len(classes))}
	for _, c := range classes {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.classes[c.Name]; ok {
			return nil, errors.Errorf("duplicate variant %q", c.Name)
		}
		r.classes[c.Name] = c.clone()
	}
	return r, nil
}

func builtinClasses() []ClassConfig {
	igbvf := igbClass.DeriveVF(igbClass.VFClassName())
	igbvf.Description = "Intel 82576 Virtual Function"
	return []ClassConfig{e1000eClass, igbClass, igbvf}
}

var builtin = func() *Registry {
	r, err := NewRegistry(builtinClasses()...)
	if err != nil {
		panic(err)
	}
	return r
}()

// BuiltinRegistry returns the registry of the built-in variants.
func BuiltinRegistry() *Registry {
	return builtin
}

// Lookup returns a copy of the named class.
func (r *Registry) Lookup(name string) (ClassConfig, error) {
	c, ok := r.classes[name]
	if !ok {
		return ClassConfig{}, errors.Wrapf(ErrUnknownVariant, "%q", name)
	}
	return c.clone(), nil
}

// Names returns the variant tags in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.classes))
	for n := range r.classes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Classes returns copies of every class sorted by name.
func (r *Registry) Classes() []ClassConfig {
	out := make([]ClassConfig, 0, len(r.classes))
	for _, n := range r.Names() {
		out = append(out, r.classes[n].clone())
	}
	return out
}

// Variant declares a class that inherits a registered record and overrides
// some numeric fields. Zero fields are inherited.
type Variant struct {
	Name        string
	Inherits    string
	DeviceID    uint16
	MSIXVectors int
	TotalVFs    int
	VFOffset    int
	VFStride    int
}

// Extend returns a new registry holding r's classes plus the declared
// variants. An SR-IOV variant also gets a VF class named after it.
func (r *Registry) Extend(variants ...Variant) (*Registry, error) {
	classes := r.Classes()
	for _, v := range variants {
		base, err := r.Lookup(v.Inherits)
		if err != nil {
			return nil, errors.Wrapf(err, "variant %q", v.Name)
		}
		c := base
		c.Name = v.Name
		c.Description = base.Description + " (" + v.Name + ")"
		if v.DeviceID != 0 {
			c.DeviceID = v.DeviceID
		}
		if v.MSIXVectors != 0 {
			c.MSIXVectors = v.MSIXVectors
		}
		if v.TotalVFs != 0 {
			c.TotalVFs = v.TotalVFs
			if c.InitialVFs > c.TotalVFs {
				c.InitialVFs = c.TotalVFs
			}
		}
		if v.VFOffset != 0 {
			c.VFOffset = v.VFOffset
		}
		if v.VFStride != 0 {
			c.VFStride = v.VFStride
		}
		classes = append(classes, c)
		if c.HasSRIOV {
			classes = append(classes, c.DeriveVF(c.VFClassName()))
		}
	}
	return NewRegistry(classes...)
}
