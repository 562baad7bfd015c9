package utils

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// Алфавит кодов подтверждения: без I, L, O, 0 и 1, чтобы код можно было
// продиктовать или переписать с экрана без путаницы.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// ExchangeCodeLength задает длину генерируемого кода подтверждения
const ExchangeCodeLength = 6

// GenerateExchangeCode возвращает случайный код подтверждения обмена
func GenerateExchangeCode() string {
	var sb strings.Builder
	sb.Grow(ExchangeCodeLength)

	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < ExchangeCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand практически не падает; на всякий случай
			// вместо паники подставляем первый символ алфавита
			sb.WriteByte(codeAlphabet[0])
			continue
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}

	return sb.String()
}

// NormalizeExchangeCode приводит введённый пользователем код к хранимому
// виду: без пробелов по краям, в верхнем регистре
func NormalizeExchangeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
