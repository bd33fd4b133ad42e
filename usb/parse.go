package usb

import "fmt"

// ParseConfigurationTree parses a full configuration descriptor blob as
// returned by GET_DESCRIPTOR(CONFIGURATION): the 9-byte header followed by
// interleaved interface, endpoint and class-specific descriptors. Class and
// vendor descriptors are skipped by bLength; endpoint descriptors before the
// first interface descriptor are rejected.
func ParseConfigurationTree(blob []byte) (*Configuration, error) {
	if len(blob) < ConfigDescLen {
		return nil, fmt.Errorf("configuration blob too short: %d bytes", len(blob))
	}
	if blob[1] != ConfigDescType && blob[1] != OtherSpeedConfigType {
		return nil, fmt.Errorf("not a configuration descriptor: type 0x%02x", blob[1])
	}
	desc := ConfigDescriptor{
		WTotalLength:        uint16(blob[2]) | uint16(blob[3])<<8,
		BNumInterfaces:      blob[4],
		BConfigurationValue: blob[5],
		IConfiguration:      blob[6],
		BMAttributes:        blob[7],
		BMaxPower:           blob[8],
	}

	cfg := &Configuration{desc: desc}
	var current *Interface

	if blob[0] < ConfigDescLen {
		return nil, fmt.Errorf("malformed configuration header (bLength=%d)", blob[0])
	}
	off := int(blob[0])
	for off+2 <= len(blob) {
		length := int(blob[off])
		dtype := blob[off+1]
		if length < 2 || off+length > len(blob) {
			return nil, fmt.Errorf("malformed descriptor at offset %d (bLength=%d)", off, length)
		}
		switch dtype {
		case InterfaceDescType:
			if length < InterfaceDescLen {
				return nil, fmt.Errorf("interface descriptor at offset %d too short", off)
			}
			id := InterfaceDescriptor{
				BInterfaceNumber:   blob[off+2],
				BAlternateSetting:  blob[off+3],
				BNumEndpoints:      blob[off+4],
				BInterfaceClass:    blob[off+5],
				BInterfaceSubClass: blob[off+6],
				BInterfaceProtocol: blob[off+7],
				IInterface:         blob[off+8],
			}
			current = &Interface{desc: id, configuration: cfg}
			cfg.addAlternate(current)
		case EndpointDescType:
			if current == nil {
				return nil, fmt.Errorf("endpoint descriptor at offset %d before any interface", off)
			}
			ed, err := ParseEndpointDescriptor(blob[off : off+length])
			if err != nil {
				return nil, err
			}
			current.endpoints = append(current.endpoints, &Endpoint{desc: ed, iface: current})
		default:
			// class or vendor specific, skip
		}
		off += length
	}
	return cfg, nil
}

func (c *Configuration) addAlternate(ifc *Interface) {
	num := int(ifc.desc.BInterfaceNumber)
	for len(c.interfaces) <= num {
		c.interfaces = append(c.interfaces, nil)
	}
	c.interfaces[num] = append(c.interfaces[num], ifc)
}
