package identity

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		vendor    uint16
		product   uint16
		wantKind  Kind
		wantFam   Family
	}{
		{"bcm2708 boot", 0x0a5c, 0x2763, KindBootCapable, FamilyCm3Like},
		{"bcm2710 boot", 0x0a5c, 0x2764, KindBootCapable, FamilyCm3Like},
		{"bcm2711 boot", 0x0a5c, 0x2711, KindBootCapable, FamilyCm4},
		{"cm4 mass storage", 0x0a5c, 0x0001, KindMassStorage, FamilyUnknown},
		{"netchip mass storage", 0x0525, 0xa4a5, KindMassStorage, FamilyUnknown},
		{"unrelated", 0x1234, 0x5678, KindUnrelated, FamilyUnknown},
		{"broadcom unknown product", 0x0a5c, 0x9999, KindUnrelated, FamilyUnknown},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.vendor, c.product)
			if got.Kind != c.wantKind {
				t.Errorf("Classify(%#x, %#x).Kind = %v, want %v", c.vendor, c.product, got.Kind, c.wantKind)
			}
			if got.Kind == KindBootCapable && got.Family != c.wantFam {
				t.Errorf("Classify(%#x, %#x).Family = %v, want %v", c.vendor, c.product, got.Family, c.wantFam)
			}
		})
	}
}

func TestPortID(t *testing.T) {
	if got := PortID(1, []int{1, 2}); got != "1-1.2" {
		t.Errorf("PortID = %q, want 1-1.2", got)
	}
	if got := PortID(3, nil); got != "3" {
		t.Errorf("PortID with no chain = %q, want 3", got)
	}
}

func TestDeviceID(t *testing.T) {
	if got := DeviceID(2, 7); got != "2:7" {
		t.Errorf("DeviceID = %q, want 2:7", got)
	}
}

func TestFamilyLastStep(t *testing.T) {
	if FamilyCm3Like.LastStep() != 40 {
		t.Errorf("Cm3Like.LastStep() = %d, want 40", FamilyCm3Like.LastStep())
	}
	if FamilyCm4.LastStep() != 10 {
		t.Errorf("Cm4.LastStep() = %d, want 10", FamilyCm4.LastStep())
	}
}
