package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"sriov-emu/pkg/types"
)

// formatInventory renders a dump in the requested format
func formatInventory(inv *types.Inventory, format string) (string, error) {
	switch format {
	case "table", "":
		return formatDeviceTable(inv.Devices), nil
	case "json":
		return formatJSON(inv), nil
	case "simple":
		return formatFunctionsSimple(inv.Devices), nil
	case "detailed":
		return formatDeviceDetailed(inv.Devices), nil
	default:
		return "", fmt.Errorf("unknown format %q", format)
	}
}

func formatJSON(v interface{}) string {
	data, _ := json.MarshalIndent(v, "", "  ")
	return string(data)
}

func formatDeviceTable(devices []*types.DeviceInfo) string {
	var builder strings.Builder
	builder.WriteString("┌──────────────┬──────────┬──────────┬─────────┬──────────┬──────────┬──────────────┐\n")
	builder.WriteString("│ Name         │ Variant  │ PF       │ Device  │ SR-IOV   │ VFs      │ Offset/Stride│\n")
	builder.WriteString("├──────────────┼──────────┼──────────┼─────────┼──────────┼──────────┼──────────────┤\n")

	for _, d := range devices {
		sriov, vfs, geometry := "No", "-", "-"
		if d.SRIOVCapable {
			sriov = "Yes"
			vfs = fmt.Sprintf("%d/%d", d.NumVFs, d.TotalVFs)
			geometry = fmt.Sprintf("0x%x/%d", d.VFOffset, d.VFStride)
		}
		builder.WriteString(fmt.Sprintf("│ %-12s │ %-8s │ %-8s │ %-7s │ %-8s │ %-8s │ %-12s │\n",
			truncateString(d.Name, 12), truncateString(d.Variant, 8), d.RoutingID,
			d.PF.DeviceID, sriov, vfs, geometry))
	}

	builder.WriteString("└──────────────┴──────────┴──────────┴─────────┴──────────┴──────────┴──────────────┘\n")
	return builder.String()
}

func formatFunctionsSimple(devices []*types.DeviceInfo) string {
	var builder strings.Builder
	for _, d := range devices {
		for _, f := range append([]*types.FunctionInfo{d.PF}, d.VFs...) {
			builder.WriteString(fmt.Sprintf("%s\t%s\t%s\t%s:%s\t%s\n",
				d.Name, f.RoutingID, f.Role, f.VendorID, f.DeviceID, f.MACAddress))
		}
	}
	return builder.String()
}

func formatDeviceDetailed(devices []*types.DeviceInfo) string {
	var builder strings.Builder
	for _, d := range devices {
		builder.WriteString(fmt.Sprintf("Device: %s\n", d.Name))
		builder.WriteString(fmt.Sprintf("  Variant: %s\n", d.Variant))
		if d.Description != "" {
			builder.WriteString(fmt.Sprintf("  Description: %s\n", d.Description))
		}
		builder.WriteString(fmt.Sprintf("  SR-IOV Capable: %t\n", d.SRIOVCapable))
		if d.SRIOVCapable {
			builder.WriteString(fmt.Sprintf("  VFs: %d of %d (offset 0x%x, stride %d)\n",
				d.NumVFs, d.TotalVFs, d.VFOffset, d.VFStride))
		}
		builder.WriteString(formatFunctionDetailed(d.PF, "  "))
		for _, vf := range d.VFs {
			builder.WriteString(formatFunctionDetailed(vf, "  "))
		}
		builder.WriteString("\n")
	}
	return builder.String()
}

func formatFunctionDetailed(f *types.FunctionInfo, indent string) string {
	var builder strings.Builder
	label := "PF"
	if f.Role == types.RoleVF {
		label = fmt.Sprintf("VF %d", f.VFIndex)
	}
	builder.WriteString(fmt.Sprintf("%s%s %s [%s:%s] %s\n", indent, label, f.RoutingID, f.VendorID, f.DeviceID, f.DeviceName))
	builder.WriteString(fmt.Sprintf("%s  State: %s  MAC: %s  MSI-X: %d\n", indent, f.State, f.MACAddress, f.MSIXVectors))
	for _, b := range f.BARs {
		builder.WriteString(fmt.Sprintf("%s  BAR%d: %s at %s size 0x%x\n", indent, b.Index, b.Type, b.Address, b.Size))
	}
	var caps []string
	for _, c := range f.Capabilities {
		caps = append(caps, fmt.Sprintf("%s@%s", c.Name, c.Offset))
	}
	if len(caps) > 0 {
		builder.WriteString(fmt.Sprintf("%s  Capabilities: %s\n", indent, strings.Join(caps, " ")))
	}
	return builder.String()
}

// truncateString shortens s to max runes, marking the cut with "…"
func truncateString(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
