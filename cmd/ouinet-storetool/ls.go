package main

import "fmt"

func runLs(storeRoot string) error {
	if storeRoot == "" {
		return fmt.Errorf("--store is required")
	}
	return walkKeys(storeRoot, func(key, dir string) error {
		fmt.Println(key)
		return nil
	})
}
