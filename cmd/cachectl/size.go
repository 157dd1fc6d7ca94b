package main

import (
	"os"

	"github.com/spf13/afero"
)

// dirSizeKB sums the sizes of regular files under dir.
func dirSizeKB(dir string) (int64, error) {
	var total int64
	err := afero.Walk(afero.NewOsFs(), dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total / 1024, err
}
