package policy

import (
	"fmt"
	"math/big"
	"strings"
)

// tokenDecimals is the static registry of supported settlement tokens. Unknown
// tokens are rejected outright rather than guessed at.
var tokenDecimals = map[string]int{
	"USDC":  6,
	"USDT":  6,
	"PYUSD": 6,
	"EURC":  6,
}

// ErrTokenNotPermitted is returned for tokens absent from the registry.
var ErrTokenNotPermitted = fmt.Errorf("policy: token not permitted")

// TokenDecimals returns the decimal count for a supported token.
func TokenDecimals(token string) (int, error) {
	decimals, ok := tokenDecimals[strings.ToUpper(strings.TrimSpace(token))]
	if !ok {
		return 0, ErrTokenNotPermitted
	}
	return decimals, nil
}

// SupportedToken reports whether the token is in the registry.
func SupportedToken(token string) bool {
	_, err := TokenDecimals(token)
	return err == nil
}

// FormatMinor renders a minor-unit amount as the token's canonical decimal
// string, e.g. 5000000 USDC renders as "5.000000". Amounts never pass through
// binary floats.
func FormatMinor(amountMinor *big.Int, token string) (string, error) {
	if amountMinor == nil {
		return "", fmt.Errorf("policy: amount required")
	}
	decimals, err := TokenDecimals(token)
	if err != nil {
		return "", err
	}
	abs := new(big.Int).Abs(amountMinor)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, scale, new(big.Int))
	sign := ""
	if amountMinor.Sign() < 0 {
		sign = "-"
	}
	if decimals == 0 {
		return sign + whole.String(), nil
	}
	fracStr := frac.String()
	if pad := decimals - len(fracStr); pad > 0 {
		fracStr = strings.Repeat("0", pad) + fracStr
	}
	return sign + whole.String() + "." + fracStr, nil
}
