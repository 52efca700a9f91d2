package conditions

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// JSON Web Keys travel through the Environment as plain objects. These
// helpers convert between that form and go-jose keys.

var errNoKeys = errors.New("no keys in JWK set")

// jwkKeys returns the "keys" member of a JWK set.
func jwkKeys(set map[string]any) ([]map[string]any, error) {
	raw, ok := set["keys"].([]any)
	if !ok {
		return nil, errors.New("JWK set has no keys array")
	}
	out := make([]map[string]any, 0, len(raw))
	for i, k := range raw {
		obj, ok := k.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("key %d is not an object", i)
		}
		out = append(out, obj)
	}
	if len(out) == 0 {
		return nil, errNoKeys
	}
	return out, nil
}

// parseJWK decodes one key object of a set.
func parseJWK(k map[string]any) (*jose.JSONWebKey, error) {
	raw, err := json.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("encode JWK: %w", err)
	}
	var key jose.JSONWebKey
	if err := key.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return &key, nil
}

// jwkObject encodes key in the Environment's generic JSON form.
func jwkObject(key jose.JSONWebKey) (map[string]any, error) {
	raw, err := key.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode JWK %q: %w", key.KeyID, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode JWK %q: %w", key.KeyID, err)
	}
	return out, nil
}

// publicKeyFromJWK decodes the public part of an asymmetric key.
func publicKeyFromJWK(k map[string]any) (crypto.PublicKey, error) {
	key, err := parseJWK(k)
	if err != nil {
		return nil, err
	}
	pub := key.Public()
	if !pub.Valid() {
		return nil, fmt.Errorf("key %q has no public part", key.KeyID)
	}
	return pub.Key, nil
}

// privateKeyFromJWK decodes a private signing key.
func privateKeyFromJWK(k map[string]any) (crypto.Signer, error) {
	key, err := parseJWK(k)
	if err != nil {
		return nil, err
	}
	if key.IsPublic() {
		return nil, fmt.Errorf("key %q is not a private key", key.KeyID)
	}
	signer, ok := key.Key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key %q cannot sign", key.KeyID)
	}
	return signer, nil
}

// keySize returns the key length in bits.
func keySize(pub crypto.PublicKey) int {
	switch pub := pub.(type) {
	case *rsa.PublicKey:
		return pub.N.BitLen()
	case *ecdsa.PublicKey:
		return pub.Curve.Params().BitSize
	}
	return 0
}

// rsaPrivateJWK encodes key with every private member.
func rsaPrivateJWK(key *rsa.PrivateKey, kid string) (map[string]any, error) {
	return jwkObject(jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: "RS256", Use: "sig"})
}

// publicJWKSet keeps the public part of every asymmetric key of set.
// Symmetric keys have no public part and are left out.
func publicJWKSet(set map[string]any) (map[string]any, error) {
	keys, err := jwkKeys(set)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(keys))
	for i, k := range keys {
		if k["kty"] == "oct" {
			continue
		}
		key, err := parseJWK(k)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		pub := key.Public()
		if !pub.Valid() {
			return nil, fmt.Errorf("key %d has no public part", i)
		}
		obj, err := jwkObject(pub)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return map[string]any{"keys": out}, nil
}

// signingMethod picks the JWS algorithm for a key.
func signingMethod(k map[string]any, key crypto.Signer) (jwt.SigningMethod, error) {
	if alg, _ := k["alg"].(string); alg != "" {
		if m := jwt.GetSigningMethod(alg); m != nil {
			return m, nil
		}
		return nil, fmt.Errorf("unsupported alg %q", alg)
	}
	switch key := key.(type) {
	case *rsa.PrivateKey:
		return jwt.SigningMethodRS256, nil
	case *ecdsa.PrivateKey:
		switch key.Curve.Params().BitSize {
		case 256:
			return jwt.SigningMethodES256, nil
		case 384:
			return jwt.SigningMethodES384, nil
		case 521:
			return jwt.SigningMethodES512, nil
		}
	}
	return nil, errors.New("no signing algorithm for key")
}
