// Package identity classifies USB devices seen during the usbboot
// handshake and derives the stable identifiers used to key sessions
// across re-enumerations.
package identity

import (
	"fmt"
	"strconv"
	"strings"
)

// Family is the Broadcom SoC family a boot-capable device belongs to.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyCm3Like
	FamilyCm4
)

func (f Family) String() string {
	switch f {
	case FamilyCm3Like:
		return "cm3like"
	case FamilyCm4:
		return "cm4"
	default:
		return "unknown"
	}
}

// LastStep is the family-specific terminal progress counter (§3).
func (f Family) LastStep() int {
	switch f {
	case FamilyCm3Like:
		return 40
	case FamilyCm4:
		return 10
	default:
		return 0
	}
}

// Kind is the coarse bucket a (vendor, product) pair falls into.
type Kind int

const (
	KindUnrelated Kind = iota
	KindBootCapable
	KindMassStorage
)

// Classification is the result of classifying a USB device. Family is
// only meaningful when Kind is KindBootCapable.
type Classification struct {
	Kind   Kind
	Family Family
}

// Vendor/product IDs from the usbboot identity table (§4.1, §6).
const (
	vendorBroadcom = 0x0a5c
	vendorNetchip  = 0x0525

	productBCM2708Boot    = 0x2763 // BCM2708 boot ROM
	productBCM2710Boot    = 0x2764 // BCM2710 boot ROM
	productBCM2711Boot    = 0x2711 // BCM2711 boot ROM
	productCM4MassStorage = 0x0001 // CM4 post-boot mass storage
	productNetchipReused  = 0xa4a5 // CM3/Zero post-boot, reused NetChip ID
)

// Classify buckets a device by its USB vendor and product id, per the
// bit-exact identity table of §4.1/§6. It is a pure function.
func Classify(vendorID, productID uint16) Classification {
	switch {
	case vendorID == vendorBroadcom && productID == productBCM2708Boot:
		return Classification{Kind: KindBootCapable, Family: FamilyCm3Like}
	case vendorID == vendorBroadcom && productID == productBCM2710Boot:
		return Classification{Kind: KindBootCapable, Family: FamilyCm3Like}
	case vendorID == vendorBroadcom && productID == productBCM2711Boot:
		return Classification{Kind: KindBootCapable, Family: FamilyCm4}
	case vendorID == vendorBroadcom && productID == productCM4MassStorage:
		return Classification{Kind: KindMassStorage}
	case vendorID == vendorNetchip && productID == productNetchipReused:
		return Classification{Kind: KindMassStorage}
	default:
		return Classification{Kind: KindUnrelated}
	}
}

// PortID builds the printable, re-enumeration-stable port identifier
// used as the session key: "<bus>-<p1>.<p2>...", or just "<bus>" when
// no port chain is available.
func PortID(bus int, ports []int) string {
	id := strconv.Itoa(bus)
	if len(ports) == 0 {
		return id
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return id + "-" + strings.Join(parts, ".")
}

// DeviceID builds the coarser "<bus>:<address>" identifier used only
// to dedup classification across the initial sweep and live attach
// events (§4.1, §9).
func DeviceID(bus, address int) string {
	return fmt.Sprintf("%d:%d", bus, address)
}
