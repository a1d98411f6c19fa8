package types

// Role of a function within its device
const (
	RolePF = "pf"
	RoleVF = "vf"
)

// DeviceInfo represents an emulated controller: its PF and live VFs
type DeviceInfo struct {
	Name         string          `json:"name"`
	Variant      string          `json:"variant"`
	Description  string          `json:"description"`
	RoutingID    string          `json:"routing_id"`
	SRIOVCapable bool            `json:"sriov_capable"`
	TotalVFs     int             `json:"total_vfs"`
	NumVFs       int             `json:"num_vfs"`
	VFOffset     int             `json:"vf_offset,omitempty"`
	VFStride     int             `json:"vf_stride,omitempty"`
	PF           *FunctionInfo   `json:"pf"`
	VFs          []*FunctionInfo `json:"vfs"`
}

// FunctionInfo represents one PCI function, physical or virtual
type FunctionInfo struct {
	RoutingID    string          `json:"routing_id"`
	Role         string          `json:"role"`
	VFIndex      int             `json:"vf_index"`
	InstanceID   string          `json:"instance_id"`
	State        string          `json:"state"`
	VendorID     string          `json:"vendor_id"`
	DeviceID     string          `json:"device_id"`
	Revision     string          `json:"revision"`
	DeviceClass  string          `json:"device_class"`
	VendorName   string          `json:"vendor_name,omitempty"`
	DeviceName   string          `json:"device_name,omitempty"`
	MACAddress   string          `json:"mac_address"`
	MSIXVectors  int             `json:"msix_vectors"`
	BARs         []BARInfo       `json:"bars"`
	Capabilities []PCICapability `json:"capabilities"`
}

// BARInfo represents one mapped base address register
type BARInfo struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Address string `json:"address"`
	Size    uint64 `json:"size"`
}

// PCICapability represents a PCI capability
type PCICapability struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Offset   string `json:"offset"`
	Length   int    `json:"length"`
	Extended bool   `json:"extended,omitempty"`
}

// Inventory represents the state of every emulated device
type Inventory struct {
	Devices []*DeviceInfo `json:"devices"`
}

// Find returns the named device or nil
func (inv *Inventory) Find(name string) *DeviceInfo {
	for _, d := range inv.Devices {
		if d.Name == name {
			return d
		}
	}
	return nil
}
