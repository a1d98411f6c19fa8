package device

import (
	"fmt"

	"sriov-emu/pkg/types"
)

// Snapshot describes the device and its live functions. names may be nil.
func (d *Device) Snapshot(names types.NameResolver) *types.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := &types.DeviceInfo{
		Name:         d.name,
		Variant:      d.class.Name,
		Description:  d.class.Description,
		RoutingID:    d.pf.RID.String(),
		SRIOVCapable: d.vfs != nil,
		PF:           d.pf.describe(names),
		VFs:          []*types.FunctionInfo{},
	}
	if d.vfs != nil {
		info.TotalVFs = d.vfs.TotalVFs()
		info.NumVFs = d.vfs.NumVFs()
		info.VFOffset = d.class.VFOffset
		info.VFStride = d.class.VFStride
		for _, vf := range d.functionsLocked()[1:] {
			info.VFs = append(info.VFs, vf.describe(names))
		}
	}
	return info
}

func (f *Function) describe(names types.NameResolver) *types.FunctionInfo {
	id := f.Identity()
	fi := &types.FunctionInfo{
		RoutingID:   f.RID.String(),
		Role:        types.RolePF,
		VFIndex:     f.Index,
		InstanceID:  f.ID.String(),
		State:       f.state.String(),
		VendorID:    types.HexID(id.VendorID),
		DeviceID:    types.HexID(id.DeviceID),
		Revision:    fmt.Sprintf("0x%02x", id.Revision),
		DeviceClass: fmt.Sprintf("0x%06x", id.ClassCode),
		MACAddress:  f.mac.String(),
		MSIXVectors: f.msix.Len(),
	}
	if f.IsVF() {
		fi.Role = types.RoleVF
	}
	if names != nil {
		fi.VendorName = names.VendorName(id.VendorID)
		fi.DeviceName = names.DeviceName(id.VendorID, id.DeviceID)
	}
	for _, b := range f.BARs.Populated() {
		fi.BARs = append(fi.BARs, types.BARInfo{
			Index:   b.Index,
			Type:    b.Type.String(),
			Address: fmt.Sprintf("0x%x", b.Address),
			Size:    b.Size,
		})
	}
	for _, c := range f.Chain.Capabilities() {
		fi.Capabilities = append(fi.Capabilities, types.PCICapability{
			ID:       fmt.Sprintf("0x%02x", c.ID),
			Name:     c.Name(),
			Offset:   fmt.Sprintf("0x%03x", c.Offset),
			Length:   c.Length,
			Extended: c.Extended,
		})
	}
	return fi
}

// DescribeVF describes live VF i.
func (d *Device) DescribeVF(i int, names types.NameResolver) (*types.FunctionInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.pf.enter("query"); err != nil {
		return nil, err
	}
	vf, err := d.queryLocked(i)
	if err != nil {
		return nil, err
	}
	return vf.describe(names), nil
}
