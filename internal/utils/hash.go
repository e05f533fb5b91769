package utils

import "hash/fnv"

func HashStringToUint64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// HashPair hashes a and b with a separator so ("ab","c") and ("a","bc") differ.
func HashPair(a, b string) uint64 {
	return HashStringToUint64(a + "\x00" + b)
}
