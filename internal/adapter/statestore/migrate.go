package statestore

import "fmt"

// migration upgrades a document from one schema version to the next
type migration func(doc *document) error

// migrations is keyed by the source version. Documents written before the
// metadata block existed carry an empty version and share the 1.0 layout.
var migrations = map[string]struct {
	to string
	fn migration
}{
	"": {to: "1.0", fn: func(*document) error { return nil }},
}

// migrate walks the migration chain until the document reaches
// SchemaVersion. The result is persisted by the next mutation.
func migrate(doc *document) error {
	for doc.Metadata.Version != SchemaVersion {
		step, ok := migrations[doc.Metadata.Version]
		if !ok {
			return fmt.Errorf("unsupported state schema version %q", doc.Metadata.Version)
		}
		if err := step.fn(doc); err != nil {
			return fmt.Errorf("migrate %q to %q: %w", doc.Metadata.Version, step.to, err)
		}
		doc.Metadata.Version = step.to
	}
	return nil
}
