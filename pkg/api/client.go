package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"sriov-emu/pkg/types"
)

// Client calls the FunctionManager service
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// Enable creates n VFs on device
func (c *Client) Enable(ctx context.Context, device string, n int) error {
	req, err := structpb.NewStruct(map[string]interface{}{"device": device, "num_vfs": n})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "Enable", req, new(emptypb.Empty))
}

// Disable destroys every VF of device
func (c *Client) Disable(ctx context.Context, device string) error {
	return c.invoke(ctx, "Disable", wrapperspb.String(device), new(emptypb.Empty))
}

// Query describes VF i of device
func (c *Client) Query(ctx context.Context, device string, i int) (*types.FunctionInfo, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"device": device, "vf": i})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.invoke(ctx, "Query", req, resp); err != nil {
		return nil, err
	}
	info := &types.FunctionInfo{}
	if err := fromStruct(resp, info); err != nil {
		return nil, err
	}
	return info, nil
}

// ResetPF resets the PF of device
func (c *Client) ResetPF(ctx context.Context, device string) error {
	req, err := structpb.NewStruct(map[string]interface{}{"device": device})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "Reset", req, new(emptypb.Empty))
}

// ResetVF resets VF i of device
func (c *Client) ResetVF(ctx context.Context, device string, i int) error {
	req, err := structpb.NewStruct(map[string]interface{}{"device": device, "vf": i})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "Reset", req, new(emptypb.Empty))
}

// Dump returns the inventory of every device
func (c *Client) Dump(ctx context.Context) (*types.Inventory, error) {
	resp := new(structpb.Struct)
	if err := c.invoke(ctx, "Dump", new(emptypb.Empty), resp); err != nil {
		return nil, err
	}
	inv := &types.Inventory{}
	if err := fromStruct(resp, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// Variants lists the variant tags the daemon knows
func (c *Client) Variants(ctx context.Context) ([]string, error) {
	resp := new(structpb.ListValue)
	if err := c.invoke(ctx, "Variants", new(emptypb.Empty), resp); err != nil {
		return nil, err
	}
	var names []string
	for _, v := range resp.GetValues() {
		names = append(names, v.GetStringValue())
	}
	return names, nil
}
