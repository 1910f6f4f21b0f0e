package appfile

import (
	"strconv"
	"strings"
)

// ParseSizeToBytes разбирает строку объёма документа ("10TiB", "500 GB")
// в байты. Двоичные единицы: KiB..PiB, десятичные: KB..PB. Завершающий
// "s" ("TiBs") отбрасывается. Строка из одних цифр трактуется как байты.
func ParseSizeToBytes(size string) (uint64, bool) {
	s := strings.TrimSpace(size)
	if s == "" {
		return 0, false
	}

	// Отделяем число от единицы по первому нецифровому символу
	split := len(s)
	for i, c := range s {
		if c < '0' || c > '9' {
			split = i
			break
		}
	}
	if split == 0 {
		return 0, false
	}

	number, err := strconv.ParseUint(s[:split], 10, 64)
	if err != nil {
		return 0, false
	}

	unit := strings.ToUpper(strings.TrimSuffix(strings.TrimSpace(s[split:]), "S"))
	switch unit {
	case "", "B":
		return number, true
	case "KIB":
		return number << 10, true
	case "MIB":
		return number << 20, true
	case "GIB":
		return number << 30, true
	case "TIB":
		return number << 40, true
	case "PIB":
		return number << 50, true
	case "KB":
		return number * 1_000, true
	case "MB":
		return number * 1_000_000, true
	case "GB":
		return number * 1_000_000_000, true
	case "TB":
		return number * 1_000_000_000_000, true
	case "PB":
		return number * 1_000_000_000_000_000, true
	}
	return 0, false
}

// CompareAllowance сообщает, покрывает ли остаток allowance запрошенный
// объём. Обе строки могут быть числом в байтах или объёмом с единицей.
// ok == false, если хотя бы одна строка не распознана.
func CompareAllowance(allowance, amount string) (covered bool, ok bool) {
	allowanceBytes, ok := ParseSizeToBytes(allowance)
	if !ok {
		return false, false
	}
	amountBytes, ok := ParseSizeToBytes(amount)
	if !ok {
		return false, false
	}
	return allowanceBytes >= amountBytes, true
}
