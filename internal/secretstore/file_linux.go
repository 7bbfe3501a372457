//go:build linux

package secretstore

func init() { Default = FileStore{} }
