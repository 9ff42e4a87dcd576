package repnet

import (
	cbor "github.com/fxamacker/cbor/v2"
)

// Stats counts the traffic of a Connection
type Stats struct {
	PacketsIn  uint64 `cbor:"packets_in" yaml:"packets_in"`
	PacketsOut uint64 `cbor:"packets_out" yaml:"packets_out"`
	BytesIn    uint64 `cbor:"bytes_in" yaml:"bytes_in"`
	BytesOut   uint64 `cbor:"bytes_out" yaml:"bytes_out"`

	Acks        uint64 `cbor:"acks" yaml:"acks"`
	NAKs        uint64 `cbor:"naks" yaml:"naks"`
	Retransmits uint64 `cbor:"retransmits" yaml:"retransmits"`

	Duplicates uint64 `cbor:"duplicates" yaml:"duplicates"`
	OutOfOrder uint64 `cbor:"out_of_order" yaml:"out_of_order"`
	Malformed  uint64 `cbor:"malformed" yaml:"malformed"`
}

var (
	statsEnc cbor.EncMode
	statsDec cbor.DecMode
)

func init() {
	var err error
	if statsEnc, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if statsDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// EncodeCBOR encodes s as canonical CBOR
func (s Stats) EncodeCBOR() ([]byte, error) {
	return statsEnc.Marshal(s)
}

// DecodeStats decodes CBOR produced by EncodeCBOR
func DecodeStats(data []byte) (Stats, error) {
	var s Stats
	err := statsDec.Unmarshal(data, &s)
	return s, err
}
