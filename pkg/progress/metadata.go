package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Metadata is the per-type detail bag attached to a Record. Each Type has
// exactly one concrete struct; every field is optional so a value can also
// serve as a partial update.
type Metadata interface {
	Kind() Type
}

// Outcome carries failure details written by Tracker.Fail.
type Outcome struct {
	Error    *string `json:"error,omitempty" validate:"omitempty,max=2048"`
	CanRetry *bool   `json:"canRetry,omitempty"`
}

// GenerationMetadata describes document generation (outline, sections, refinement).
type GenerationMetadata struct {
	TotalSections     *int    `json:"totalSections,omitempty" validate:"omitempty,gte=0"`
	SectionsCompleted *int    `json:"sectionsCompleted,omitempty" validate:"omitempty,gte=0"`
	CurrentSection    *string `json:"currentSection,omitempty" validate:"omitempty,max=512"`
	Provider          *string `json:"provider,omitempty" validate:"omitempty,max=64"`
	Model             *string `json:"model,omitempty" validate:"omitempty,max=128"`
	TokensUsed        *int    `json:"tokensUsed,omitempty" validate:"omitempty,gte=0"`
	Outcome
}

func (GenerationMetadata) Kind() Type { return TypeGeneration }

// EmbeddingMetadata describes chunk embedding for a document.
type EmbeddingMetadata struct {
	DocumentName    *string `json:"documentName,omitempty" validate:"omitempty,max=512"`
	TotalChunks     *int    `json:"totalChunks,omitempty" validate:"omitempty,gte=0"`
	ChunksProcessed *int    `json:"chunksProcessed,omitempty" validate:"omitempty,gte=0"`
	EmbeddingModel  *string `json:"embeddingModel,omitempty" validate:"omitempty,max=128"`
	Outcome
}

func (EmbeddingMetadata) Kind() Type { return TypeEmbedding }

// FileGenerationMetadata describes a bulk file generation batch.
type FileGenerationMetadata struct {
	TotalFiles     *int    `json:"totalFiles,omitempty" validate:"omitempty,gte=0"`
	FilesGenerated *int    `json:"filesGenerated,omitempty" validate:"omitempty,gte=0"`
	CurrentFile    *string `json:"currentFile,omitempty" validate:"omitempty,max=1024"`
	Outcome
}

func (FileGenerationMetadata) Kind() Type { return TypeFileGeneration }

// BulkOperationMetadata describes a batch operation over many items.
type BulkOperationMetadata struct {
	Operation      *string `json:"operation,omitempty" validate:"omitempty,max=64"`
	TotalItems     *int    `json:"totalItems,omitempty" validate:"omitempty,gte=0"`
	ProcessedItems *int    `json:"processedItems,omitempty" validate:"omitempty,gte=0"`
	FailedItems    *int    `json:"failedItems,omitempty" validate:"omitempty,gte=0"`
	CurrentItem    *string `json:"currentItem,omitempty" validate:"omitempty,max=1024"`
	Outcome
}

func (BulkOperationMetadata) Kind() Type { return TypeBulkOperation }

// StorageMigrationMetadata describes moving objects between storage backends.
type StorageMigrationMetadata struct {
	SourceBackend   *string `json:"sourceBackend,omitempty" validate:"omitempty,max=64"`
	TargetBackend   *string `json:"targetBackend,omitempty" validate:"omitempty,max=64"`
	TotalObjects    *int    `json:"totalObjects,omitempty" validate:"omitempty,gte=0"`
	MigratedObjects *int    `json:"migratedObjects,omitempty" validate:"omitempty,gte=0"`
	BytesMigrated   *int64  `json:"bytesMigrated,omitempty" validate:"omitempty,gte=0"`
	Outcome
}

func (StorageMigrationMetadata) Kind() Type { return TypeStorageMigration }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func metadataValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ValidateMetadata checks that m belongs to t and that its fields satisfy
// their constraints. A nil m is valid.
func ValidateMetadata(t Type, m Metadata) error {
	if isNilMetadata(m) {
		return nil
	}
	if m.Kind() != t {
		return fmt.Errorf("%w: %s metadata on %s record", ErrValidation, m.Kind(), t)
	}
	if err := metadataValidator().Struct(m); err != nil {
		return fmt.Errorf("%w: metadata: %v", ErrValidation, err)
	}
	return nil
}

// NewMetadata returns a pointer to an empty metadata struct for t.
func NewMetadata(t Type) (Metadata, error) {
	switch t {
	case TypeGeneration:
		return &GenerationMetadata{}, nil
	case TypeEmbedding:
		return &EmbeddingMetadata{}, nil
	case TypeFileGeneration:
		return &FileGenerationMetadata{}, nil
	case TypeBulkOperation:
		return &BulkOperationMetadata{}, nil
	case TypeStorageMigration:
		return &StorageMigrationMetadata{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrValidation, t)
	}
}

// DecodeMetadata decodes raw JSON into the metadata struct for t. Unknown keys
// are ignored so older readers tolerate newer writers.
func DecodeMetadata(t Type, raw json.RawMessage) (Metadata, error) {
	m, err := NewMetadata(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("%w: decode %s metadata: %v", ErrValidation, t, err)
	}
	return m, nil
}

// MergeMetadata shallow-merges patch over base: keys present in patch replace
// the stored ones, all other keys are kept.
func MergeMetadata(t Type, base Metadata, patch map[string]any) (Metadata, error) {
	merged, err := metadataFields(base)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", ErrValidation, err)
	}
	return DecodeMetadata(t, raw)
}

// metadataFields flattens m into its set keys; nil fields are dropped by
// omitempty so they never overwrite stored values.
func metadataFields(m Metadata) (map[string]any, error) {
	out := map[string]any{}
	if isNilMetadata(m) {
		return out, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", ErrValidation, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", ErrValidation, err)
	}
	return out, nil
}

func isNilMetadata(m Metadata) bool {
	if m == nil {
		return true
	}
	v := reflect.ValueOf(m)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// Int returns a pointer to v, for building metadata literals.
func Int(v int) *int { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
