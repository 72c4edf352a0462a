package config

import (
	"fmt"
)

type StoreKeyStruct struct{}

func NewStoreKeyStruct() *StoreKeyStruct {
	return &StoreKeyStruct{}
}

// DraftKey returns the key holding the local draft record of an olympiad
func (r *StoreKeyStruct) DraftKey(olympiadID string) string {
	return fmt.Sprintf("draft:olympiad:%s", olympiadID)
}

// AutosaveQueueKey returns the list key of the offline autosave queue of an olympiad
func (r *StoreKeyStruct) AutosaveQueueKey(olympiadID string) string {
	return fmt.Sprintf("autosave:olympiad:%s:queue", olympiadID)
}

var StoreKey = NewStoreKeyStruct()
