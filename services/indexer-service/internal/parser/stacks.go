package parser

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Raw transaction wire constants.
const (
	txVersionMainnet = 0x00
	txVersionTestnet = 0x80

	authStandard  = 0x04
	authSponsored = 0x05

	hashModeP2PKH      = 0x00
	hashModeP2SH       = 0x01
	hashModeP2WPKHP2SH = 0x02
	hashModeP2WSHP2SH  = 0x03

	payloadTokenTransfer     = 0x00
	payloadSmartContract     = 0x01
	payloadContractCall      = 0x02
	payloadPoisonMicroblock  = 0x03
	payloadCoinbase          = 0x04
	payloadCoinbaseToAltRcpt = 0x05
	payloadVersionedContract = 0x06
	payloadTenureChange      = 0x07
	payloadNakamotoCoinbase  = 0x08
)

// Single-sig and multisig address versions per network.
const (
	addrVersionMainnetSingle = 22
	addrVersionMainnetMulti  = 20
	addrVersionTestnetSingle = 26
	addrVersionTestnetMulti  = 21
)

// decodedTx is what the raw decoder can recover without executing the
// transaction.
type decodedTx struct {
	Type         string
	Sender       string
	ContractID   string
	FunctionName string
}

type txReader struct {
	buf []byte
	off int
}

func (r *txReader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, fmt.Errorf("truncated at offset %d, need %d bytes", r.off, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *txReader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *txReader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *txReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *txReader) lenPrefixedName() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeRawTx decodes the fields the pipeline stores from a raw
// transaction hex string. Anything it cannot handle comes back as an
// error so the caller falls through to the lookup ladder.
func decodeRawTx(rawHex string) (*decodedTx, error) {
	rawHex = strings.TrimPrefix(rawHex, "0x")
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	r := &txReader{buf: raw}

	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if _, err := r.u32(); err != nil { // chain id
		return nil, err
	}

	authType, err := r.byte()
	if err != nil {
		return nil, err
	}

	sender, err := readSpendingCondition(r, version)
	if err != nil {
		return nil, err
	}
	if authType == authSponsored {
		// Sponsor pays the fee; the origin stays the sender.
		if _, err := readSpendingCondition(r, version); err != nil {
			return nil, err
		}
	} else if authType != authStandard {
		return nil, fmt.Errorf("unknown auth type 0x%02x", authType)
	}

	if _, err := r.byte(); err != nil { // anchor mode
		return nil, err
	}
	if _, err := r.byte(); err != nil { // post-condition mode
		return nil, err
	}
	if err := skipPostConditions(r); err != nil {
		return nil, err
	}

	payloadType, err := r.byte()
	if err != nil {
		return nil, err
	}

	tx := &decodedTx{Sender: sender}
	switch payloadType {
	case payloadTokenTransfer:
		tx.Type = "token_transfer"
	case payloadSmartContract, payloadVersionedContract:
		tx.Type = "smart_contract"
		if payloadType == payloadVersionedContract {
			if _, err := r.byte(); err != nil { // clarity version
				return nil, err
			}
		}
		name, err := r.lenPrefixedName()
		if err != nil {
			return nil, err
		}
		tx.ContractID = sender + "." + name
	case payloadContractCall:
		tx.Type = "contract_call"
		addr, err := readStandardPrincipal(r)
		if err != nil {
			return nil, err
		}
		contractName, err := r.lenPrefixedName()
		if err != nil {
			return nil, err
		}
		functionName, err := r.lenPrefixedName()
		if err != nil {
			return nil, err
		}
		tx.ContractID = addr + "." + contractName
		tx.FunctionName = functionName
	case payloadPoisonMicroblock:
		tx.Type = "poison_microblock"
	case payloadCoinbase, payloadCoinbaseToAltRcpt, payloadNakamotoCoinbase:
		tx.Type = "coinbase"
	case payloadTenureChange:
		tx.Type = "tenure_change"
	default:
		return nil, fmt.Errorf("unknown payload type 0x%02x", payloadType)
	}

	return tx, nil
}

// readSpendingCondition consumes one spending condition and returns the
// signer's address, with the address version derived from the tx
// version and the hash mode.
func readSpendingCondition(r *txReader, txVersion byte) (string, error) {
	hashMode, err := r.byte()
	if err != nil {
		return "", err
	}
	signer, err := r.take(20)
	if err != nil {
		return "", err
	}
	if _, err := r.take(8); err != nil { // nonce
		return "", err
	}
	if _, err := r.take(8); err != nil { // fee
		return "", err
	}

	switch hashMode {
	case hashModeP2PKH, hashModeP2WPKHP2SH:
		if _, err := r.byte(); err != nil { // key encoding
			return "", err
		}
		if _, err := r.take(65); err != nil { // signature
			return "", err
		}
	case hashModeP2SH, hashModeP2WSHP2SH:
		nfields, err := r.u32()
		if err != nil {
			return "", err
		}
		for i := uint32(0); i < nfields; i++ {
			fieldID, err := r.byte()
			if err != nil {
				return "", err
			}
			switch fieldID {
			case 0x00, 0x01: // public key
				if _, err := r.take(33); err != nil {
					return "", err
				}
			case 0x02, 0x03: // signature
				if _, err := r.take(65); err != nil {
					return "", err
				}
			default:
				return "", fmt.Errorf("unknown auth field 0x%02x", fieldID)
			}
		}
		if _, err := r.u16(); err != nil { // signatures required
			return "", err
		}
	default:
		return "", fmt.Errorf("unknown hash mode 0x%02x", hashMode)
	}

	return c32Address(addressVersion(txVersion, hashMode), signer), nil
}

func addressVersion(txVersion, hashMode byte) byte {
	single := hashMode == hashModeP2PKH || hashMode == hashModeP2WPKHP2SH
	if txVersion == txVersionTestnet {
		if single {
			return addrVersionTestnetSingle
		}
		return addrVersionTestnetMulti
	}
	if single {
		return addrVersionMainnetSingle
	}
	return addrVersionMainnetMulti
}

// readStandardPrincipal consumes a 21-byte versioned address.
func readStandardPrincipal(r *txReader) (string, error) {
	version, err := r.byte()
	if err != nil {
		return "", err
	}
	hash, err := r.take(20)
	if err != nil {
		return "", err
	}
	return c32Address(version, hash), nil
}

func skipPostConditions(r *txReader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		pcType, err := r.byte()
		if err != nil {
			return err
		}
		if err := skipPostConditionPrincipal(r); err != nil {
			return err
		}
		switch pcType {
		case 0x00: // STX
			if _, err := r.take(9); err != nil { // condition code + amount
				return err
			}
		case 0x01: // fungible token
			if err := skipAssetInfo(r); err != nil {
				return err
			}
			if _, err := r.take(9); err != nil {
				return err
			}
		case 0x02: // non-fungible token
			if err := skipAssetInfo(r); err != nil {
				return err
			}
			if err := skipClarityValue(r); err != nil {
				return err
			}
			if _, err := r.byte(); err != nil { // condition code
				return err
			}
		default:
			return fmt.Errorf("unknown post condition type 0x%02x", pcType)
		}
	}
	return nil
}

func skipPostConditionPrincipal(r *txReader) error {
	pType, err := r.byte()
	if err != nil {
		return err
	}
	switch pType {
	case 0x01: // origin
		return nil
	case 0x02: // standard
		_, err := r.take(21)
		return err
	case 0x03: // contract
		if _, err := r.take(21); err != nil {
			return err
		}
		_, err := r.lenPrefixedName()
		return err
	default:
		return fmt.Errorf("unknown principal type 0x%02x", pType)
	}
}

func skipAssetInfo(r *txReader) error {
	if _, err := r.take(21); err != nil {
		return err
	}
	if _, err := r.lenPrefixedName(); err != nil { // contract name
		return err
	}
	_, err := r.lenPrefixedName() // asset name
	return err
}

func skipClarityValue(r *txReader) error {
	valType, err := r.byte()
	if err != nil {
		return err
	}
	switch valType {
	case 0x00, 0x01: // int, uint
		_, err := r.take(16)
		return err
	case 0x02: // buffer
		n, err := r.u32()
		if err != nil {
			return err
		}
		_, err = r.take(int(n))
		return err
	case 0x03, 0x04, 0x09: // true, false, none
		return nil
	case 0x05: // standard principal
		_, err := r.take(21)
		return err
	case 0x06: // contract principal
		if _, err := r.take(21); err != nil {
			return err
		}
		_, err := r.lenPrefixedName()
		return err
	case 0x07, 0x08, 0x0a: // ok, err, some
		return skipClarityValue(r)
	case 0x0b: // list
		n, err := r.u32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			if err := skipClarityValue(r); err != nil {
				return err
			}
		}
		return nil
	case 0x0c: // tuple
		n, err := r.u32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			if _, err := r.lenPrefixedName(); err != nil {
				return err
			}
			if err := skipClarityValue(r); err != nil {
				return err
			}
		}
		return nil
	case 0x0d, 0x0e: // string-ascii, string-utf8
		n, err := r.u32()
		if err != nil {
			return err
		}
		_, err = r.take(int(n))
		return err
	default:
		return fmt.Errorf("unknown clarity value type 0x%02x", valType)
	}
}

// c32 address encoding.

const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// c32Address encodes a version byte and hash160 into the chain's
// address format: 'S' + version char + c32(data + 4-byte checksum),
// where the checksum is a double-SHA256 over version || data.
func c32Address(version byte, hash []byte) string {
	sum := c32Checksum(version, hash)
	payload := make([]byte, 0, len(hash)+4)
	payload = append(payload, hash...)
	payload = append(payload, sum...)
	return "S" + string(c32Alphabet[version]) + c32Encode(payload)
}

func c32Checksum(version byte, data []byte) []byte {
	first := sha256.Sum256(append([]byte{version}, data...))
	second := sha256.Sum256(first[:])
	return second[:4]
}

// c32Encode encodes bytes as crockford base32, preserving leading zero
// bytes as leading '0' characters.
func c32Encode(data []byte) string {
	leadingZeros := 0
	for _, b := range data {
		if b != 0 {
			break
		}
		leadingZeros++
	}

	// Bits are consumed from the least significant end, 5 at a time.
	var out []byte
	carry := 0
	carryBits := 0
	for i := len(data) - 1; i >= 0; i-- {
		carry |= int(data[i]) << carryBits
		carryBits += 8
		for carryBits >= 5 {
			out = append(out, c32Alphabet[carry&0x1f])
			carry >>= 5
			carryBits -= 5
		}
	}
	if carryBits > 0 && carry > 0 {
		out = append(out, c32Alphabet[carry&0x1f])
	}

	// Strip zero digits the bit loop produced, then restore one '0'
	// per leading zero byte.
	for len(out) > 0 && out[len(out)-1] == '0' {
		out = out[:len(out)-1]
	}
	for i := 0; i < leadingZeros; i++ {
		out = append(out, '0')
	}

	// Reverse into big-endian digit order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
