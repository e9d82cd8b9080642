package gate

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/actuation-gate/interfaces"
)

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

var (
	headerArguments = abi.Arguments{
		{Type: mustType("string")}, // command id
		{Type: mustType("uint32")}, // target id
		{Type: mustType("uint32")}, // swarm id
		{Type: mustType("uint64")}, // x, IEEE 754 bits
		{Type: mustType("uint64")}, // y
		{Type: mustType("uint64")}, // z
		{Type: mustType("uint64")}, // precision radius
		{Type: mustType("string")}, // target kind
		{Type: mustType("bool")},   // target authorized
		{Type: mustType("int64")},  // target authorized at, unix nanoseconds
		{Type: mustType("bytes")},  // target signature
		{Type: mustType("string")}, // target signer key id
		{Type: mustType("bool")},   // target requires safety check
		{Type: mustType("uint64")}, // payload size
		{Type: mustType("string")}, // algorithm
		{Type: mustType("int64")},  // timestamp, unix nanoseconds
		{Type: mustType("bool")},   // requires blockchain validation
		{Type: mustType("string")}, // key id
		{Type: mustType("string")}, // signer key id
		{Type: mustType("string")}, // transaction id
		{Type: mustType("bool")},   // bypass
	}

	signedArguments = abi.Arguments{
		{Type: mustType("bytes")}, // header
		{Type: mustType("bytes")}, // nonce
		{Type: mustType("bytes")}, // ciphertext
		{Type: mustType("bytes")}, // tag
	}
)

// EnvelopeHeader returns the canonical encoding of every envelope field,
// including every serialized target field, except the nonce, ciphertext, tag
// and signature. It is the AEAD associated data.
func EnvelopeHeader(cmd interfaces.EncryptedCommand) ([]byte, error) {
	t := cmd.Target
	return headerArguments.Pack(
		cmd.CommandID,
		t.ID,
		t.SwarmID,
		math.Float64bits(t.Position.X),
		math.Float64bits(t.Position.Y),
		math.Float64bits(t.Position.Z),
		math.Float64bits(t.PrecisionRadius),
		t.Kind,
		t.Authorized,
		t.AuthorizedAt.UnixNano(),
		t.Signature,
		t.SignerKeyID,
		t.RequiresSafetyCheck,
		uint64(cmd.PayloadSize),
		string(cmd.Algorithm),
		cmd.Timestamp.UnixNano(),
		cmd.RequiresBlockchainValidation,
		cmd.KeyID,
		cmd.SignerKeyID,
		cmd.TransactionID,
		cmd.Bypass,
	)
}

// EnvelopeDigest is the digest signed by the master key. It covers the
// header, nonce, ciphertext and tag.
func EnvelopeDigest(cmd interfaces.EncryptedCommand) ([]byte, error) {
	header, err := EnvelopeHeader(cmd)
	if err != nil {
		return nil, err
	}
	packed, err := signedArguments.Pack(header, cmd.Nonce, cmd.Ciphertext, cmd.Tag)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(packed), nil
}

// EncodeEnvelope serializes an envelope for the transport. The plaintext
// payload is never serialized.
func EncodeEnvelope(cmd interfaces.EncryptedCommand) ([]byte, error) {
	return json.Marshal(cmd)
}

// DecodeEnvelope parses transport bytes. Malformed input is an
// authentication failure.
func DecodeEnvelope(raw []byte) (interfaces.EncryptedCommand, error) {
	var cmd interfaces.EncryptedCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return interfaces.EncryptedCommand{}, fmt.Errorf("%w: malformed envelope: %v", interfaces.ErrAuthenticationFailure, err)
	}
	if cmd.CommandID == "" || cmd.KeyID == "" || cmd.SignerKeyID == "" || len(cmd.Signature) == 0 {
		return interfaces.EncryptedCommand{}, fmt.Errorf("%w: incomplete envelope", interfaces.ErrAuthenticationFailure)
	}
	if cmd.PayloadSize < 0 {
		return interfaces.EncryptedCommand{}, fmt.Errorf("%w: negative payload size", interfaces.ErrAuthenticationFailure)
	}
	return cmd, nil
}
