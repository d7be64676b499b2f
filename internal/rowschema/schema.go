// Package rowschema parses raw warehouse rows into the versioned
// transaction row shape used by the billing processors.
package rowschema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SchemaType discriminates the two accepted row shapes.
type SchemaType string

const (
	SchemaV1 SchemaType = "v1"
	SchemaV2 SchemaType = "v2"
)

// Kind selects which fields are required: invoices only carry the base
// shape, claims additionally carry demographic/provider/address fields.
type Kind string

const (
	KindInvoice Kind = "invoice"
	KindClaim   Kind = "claim"
)

var (
	ErrInvalidRow    = errors.New("invalid_row")
	ErrUnknownSchema = errors.New("unknown_schema_type")
)

// Diagnosis is one diagnosis code on a claim.
type Diagnosis struct {
	Code string `json:"code"`
}

// ServiceLine is one billable service on a claim.
type ServiceLine struct {
	ProcedureCode     string `json:"procedure_code"`
	Units             int64  `json:"units"`
	ChargeAmountCents int64  `json:"charge_amount_cents"`
}

// Patient carries the clearinghouse demographic fields.
type Patient struct {
	FirstName   string
	LastName    string
	DateOfBirth string
	Gender      string
}

// Address is the patient's billing address.
type Address struct {
	Line1 string
	City  string
	State string
	Zip   string
}

// Provider identifies the rendering provider.
type Provider struct {
	NPI  string
	Name string
}

// Row is the validated warehouse row, a tagged variant on SchemaType.
// v1 carries exactly one diagnosis and one service line as flat fields;
// v2 carries lists decoded from embedded JSON strings.
type Row struct {
	SchemaType SchemaType
	IdentityID int64
	InvoicedAt time.Time
	CodeID     string
	ExternalID string

	Patient  Patient
	Address  Address
	Provider Provider

	// v1 flat fields.
	DiagnosisCode     string
	ProcedureCode     string
	ChargeAmountCents int64

	// v2 decoded lists.
	Diagnoses    []Diagnosis
	ServiceLines []ServiceLine

	// Fields is the raw warehouse row, kept for transaction meta.
	Fields map[string]any
}

var (
	diagnosisCodePattern = regexp.MustCompile(`^[A-Z][0-9A-Z.]{1,9}$`)
	procedureCodePattern = regexp.MustCompile(`^[0-9A-Z]{4,6}$`)
	zipPattern           = regexp.MustCompile(`^[0-9]{5}(-[0-9]{4})?$`)
	npiPattern           = regexp.MustCompile(`^[0-9]{10}$`)
)

// Parse validates raw warehouse rows against the v1 or v2 shape. Rows
// missing the discriminator default to v1 before dispatch. Any invalid
// row aborts the whole batch for the contract being processed; every
// failing row is reported, not just the first.
func Parse(raw []map[string]any, kind Kind) ([]Row, error) {
	rows := make([]Row, 0, len(raw))
	var errs []error
	for i, fields := range raw {
		row, err := parseOne(fields, kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w", i, err))
			continue
		}
		rows = append(rows, row)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rows, nil
}

func parseOne(fields map[string]any, kind Kind) (Row, error) {
	schemaType := SchemaV1
	if tag, ok := fields["schema_type"]; ok {
		s, err := stringField(tag, "schema_type")
		if err != nil {
			return Row{}, err
		}
		schemaType = SchemaType(s)
	}

	row := Row{
		SchemaType: schemaType,
		Fields:     fields,
	}

	var err error
	if row.IdentityID, err = intField(fields["identity_id"], "identity_id"); err != nil {
		return Row{}, err
	}
	if row.InvoicedAt, err = timeField(fields["invoiced_at"], "invoiced_at"); err != nil {
		return Row{}, err
	}
	if row.CodeID, err = requiredString(fields["code_id"], "code_id"); err != nil {
		return Row{}, err
	}

	if kind == KindClaim {
		if err := parseClaimFields(fields, &row); err != nil {
			return Row{}, err
		}
	}

	switch schemaType {
	case SchemaV1:
		return row, parseV1(fields, &row)
	case SchemaV2:
		return row, parseV2(fields, &row)
	default:
		return Row{}, fmt.Errorf("%w: %q", ErrUnknownSchema, schemaType)
	}
}

func parseClaimFields(fields map[string]any, row *Row) error {
	var err error
	if row.ExternalID, err = requiredString(fields["external_id"], "external_id"); err != nil {
		return err
	}
	if row.Patient.FirstName, err = requiredString(fields["patient_first_name"], "patient_first_name"); err != nil {
		return err
	}
	if row.Patient.LastName, err = requiredString(fields["patient_last_name"], "patient_last_name"); err != nil {
		return err
	}
	if row.Patient.DateOfBirth, err = dateField(fields["patient_dob"], "patient_dob"); err != nil {
		return err
	}
	if row.Patient.Gender, err = enumField(fields["patient_gender"], "patient_gender", "M", "F", "U"); err != nil {
		return err
	}
	if row.Address.Line1, err = requiredString(fields["address_line1"], "address_line1"); err != nil {
		return err
	}
	if row.Address.City, err = requiredString(fields["address_city"], "address_city"); err != nil {
		return err
	}
	if row.Address.State, err = requiredString(fields["address_state"], "address_state"); err != nil {
		return err
	}
	zip, err := requiredString(fields["address_zip"], "address_zip")
	if err != nil {
		return err
	}
	if !zipPattern.MatchString(zip) {
		return fmt.Errorf("%w: address_zip %q", ErrInvalidRow, zip)
	}
	row.Address.Zip = zip

	npi, err := requiredString(fields["provider_npi"], "provider_npi")
	if err != nil {
		return err
	}
	if !npiPattern.MatchString(npi) {
		return fmt.Errorf("%w: provider_npi %q", ErrInvalidRow, npi)
	}
	row.Provider.NPI = npi
	if row.Provider.Name, err = requiredString(fields["provider_name"], "provider_name"); err != nil {
		return err
	}
	return nil
}

func parseV1(fields map[string]any, row *Row) error {
	code, err := requiredString(fields["diagnosis_code"], "diagnosis_code")
	if err != nil {
		return err
	}
	if !diagnosisCodePattern.MatchString(code) {
		return fmt.Errorf("%w: diagnosis_code %q", ErrInvalidRow, code)
	}
	row.DiagnosisCode = code

	proc, err := requiredString(fields["procedure_code"], "procedure_code")
	if err != nil {
		return err
	}
	if !procedureCodePattern.MatchString(proc) {
		return fmt.Errorf("%w: procedure_code %q", ErrInvalidRow, proc)
	}
	row.ProcedureCode = proc

	if row.ChargeAmountCents, err = centsField(fields["charge_amount"], "charge_amount"); err != nil {
		return err
	}
	return nil
}

func parseV2(fields map[string]any, row *Row) error {
	if err := decodeEmbedded(fields["diagnoses"], "diagnoses", &row.Diagnoses); err != nil {
		return err
	}
	if len(row.Diagnoses) == 0 {
		return fmt.Errorf("%w: diagnoses is empty", ErrInvalidRow)
	}
	for _, d := range row.Diagnoses {
		if !diagnosisCodePattern.MatchString(d.Code) {
			return fmt.Errorf("%w: diagnosis code %q", ErrInvalidRow, d.Code)
		}
	}

	if err := decodeEmbedded(fields["service_lines"], "service_lines", &row.ServiceLines); err != nil {
		return err
	}
	if len(row.ServiceLines) == 0 {
		return fmt.Errorf("%w: service_lines is empty", ErrInvalidRow)
	}
	for _, line := range row.ServiceLines {
		if !procedureCodePattern.MatchString(line.ProcedureCode) {
			return fmt.Errorf("%w: procedure code %q", ErrInvalidRow, line.ProcedureCode)
		}
		if line.Units <= 0 {
			return fmt.Errorf("%w: service line units %d", ErrInvalidRow, line.Units)
		}
		if line.ChargeAmountCents < 0 {
			return fmt.Errorf("%w: service line charge %d", ErrInvalidRow, line.ChargeAmountCents)
		}
	}
	return nil
}

// decodeEmbedded decodes a v2 sub-array carried as a JSON-encoded string.
// A decode failure is a validation failure, never a silent skip.
func decodeEmbedded(value any, field string, out any) error {
	encoded, err := requiredString(value, field)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(encoded), out); err != nil {
		return fmt.Errorf("%w: %s does not decode: %v", ErrInvalidRow, field, err)
	}
	return nil
}

func stringField(value any, field string) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", ErrInvalidRow, field)
	}
	return strings.TrimSpace(s), nil
}

func requiredString(value any, field string) (string, error) {
	if value == nil {
		return "", fmt.Errorf("%w: %s is missing", ErrInvalidRow, field)
	}
	s, err := stringField(value, field)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidRow, field)
	}
	return s, nil
}

func enumField(value any, field string, allowed ...string) (string, error) {
	s, err := requiredString(value, field)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %s %q not in %v", ErrInvalidRow, field, s, allowed)
}

func intField(value any, field string) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %s is not an integer", ErrInvalidRow, field)
		}
		return int64(v), nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s %q is not an integer", ErrInvalidRow, field, v)
		}
		return parsed, nil
	case nil:
		return 0, fmt.Errorf("%w: %s is missing", ErrInvalidRow, field)
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidRow, field, value)
	}
}

func timeField(value any, field string) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s %q is not a timestamp", ErrInvalidRow, field, v)
		}
		return parsed.UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("%w: %s is missing", ErrInvalidRow, field)
	default:
		return time.Time{}, fmt.Errorf("%w: %s has type %T", ErrInvalidRow, field, value)
	}
}

func dateField(value any, field string) (string, error) {
	s, err := requiredString(value, field)
	if err != nil {
		return "", err
	}
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return "", fmt.Errorf("%w: %s %q is not a date", ErrInvalidRow, field, s)
	}
	return s, nil
}

// centsField accepts integer cents, a float dollar amount, or a decimal
// string dollar amount, and normalizes to integer cents.
func centsField(value any, field string) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(math.Round(v * 100)), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s %q is not a monetary amount", ErrInvalidRow, field, v)
		}
		return int64(math.Round(parsed * 100)), nil
	case nil:
		return 0, fmt.Errorf("%w: %s is missing", ErrInvalidRow, field)
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidRow, field, value)
	}
}
