package utils

import (
	"os"
	"strconv"

	"golang.org/x/crypto/bcrypt"
)

func bcryptCost() int {
	if n, err := strconv.Atoi(os.Getenv("BCRYPT_COST")); err == nil && n >= bcrypt.MinCost && n <= bcrypt.MaxCost {
		return n
	}
	return bcrypt.DefaultCost
}

func HashPassword(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcryptCost())
}

func ComparePassword(hashed string, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
}
