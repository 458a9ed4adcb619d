package azure

import (
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
)

// VirtualMachinesAPI is the narrow view of the ARM compute client the
// connector uses. Tests build fake pagers with runtime.NewPager; production
// wires armcompute.VirtualMachinesClient.
type VirtualMachinesAPI interface {
	NewListAllPager(*armcompute.VirtualMachinesClientListAllOptions) *runtime.Pager[armcompute.VirtualMachinesClientListAllResponse]
}
