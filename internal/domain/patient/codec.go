package patient

import (
	"encoding/json"
	"fmt"

	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
)

// JSON column encoding shared by the SQL stores.

func marshalDerived(rec *Record) (conditions, medications, tests []byte, err error) {
	if conditions, err = json.Marshal(nonNilStrings(rec.Conditions)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode conditions: %w", err)
	}
	meds := rec.Medications
	if meds == nil {
		meds = []Medication{}
	}
	if medications, err = json.Marshal(meds); err != nil {
		return nil, nil, nil, fmt.Errorf("encode medications: %w", err)
	}
	results := rec.TestResults
	if results == nil {
		results = []TestResult{}
	}
	if tests, err = json.Marshal(results); err != nil {
		return nil, nil, nil, fmt.Errorf("encode test results: %w", err)
	}
	return conditions, medications, tests, nil
}

func unmarshalDerived(rec *Record, conditions, medications, tests []byte) error {
	rec.Conditions = []string{}
	rec.Medications = []Medication{}
	rec.TestResults = []TestResult{}
	if err := json.Unmarshal(conditions, &rec.Conditions); err != nil {
		return fmt.Errorf("decode conditions: %w", err)
	}
	if err := json.Unmarshal(medications, &rec.Medications); err != nil {
		return fmt.Errorf("decode medications: %w", err)
	}
	if err := json.Unmarshal(tests, &rec.TestResults); err != nil {
		return fmt.Errorf("decode test results: %w", err)
	}
	return nil
}

func decodeBatch(b *ReviewBatch, missing, entities []byte) error {
	b.MissingFields = []string{}
	if err := json.Unmarshal(missing, &b.MissingFields); err != nil {
		return fmt.Errorf("decode missing fields: %w", err)
	}
	var decoded []extraction.Entity
	if err := json.Unmarshal(entities, &decoded); err != nil {
		return fmt.Errorf("decode held entities: %w", err)
	}
	b.Entities = cloneEntities(decoded)
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
