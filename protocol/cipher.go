// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package protocol implements the Kasa smart-home wire format.
//
// Devices listen on port 9999 (TCP and UDP) and exchange JSON documents
// obfuscated with an autokey XOR cipher. Over TCP each message is prefixed
// with its length as a 4-byte big-endian integer; UDP datagrams carry the
// bare ciphertext.
//
// A request maps module names to method names to arguments:
//
//	{"system":{"set_relay_state":{"state":1}}}
//
// and the response mirrors it, with every section carrying an err_code:
//
//	{"system":{"set_relay_state":{"err_code":0}}}
package protocol

// InitialKey seeds the autokey cipher.
const InitialKey byte = 171

// Encrypt obfuscates plaintext. Each output byte becomes the key for the next.
func Encrypt(plain []byte) []byte {
	out := make([]byte, len(plain))
	key := InitialKey
	for i, b := range plain {
		key ^= b
		out[i] = key
	}
	return out
}

// Decrypt reverses Encrypt. Each input byte becomes the key for the next.
func Decrypt(cipher []byte) []byte {
	out := make([]byte, len(cipher))
	key := InitialKey
	for i, b := range cipher {
		out[i] = key ^ b
		key = b
	}
	return out
}
