package esia

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// BirthDateLayout is the provider's date format for birthDate.
const BirthDateLayout = "02.01.2006"

// Person is the personal data of a user or child.
type Person struct {
	ID          string
	Name        string
	FirstName   string
	LastName    string
	MiddleName  string
	BirthDate   time.Time
	BirthPlace  string
	Gender      string
	Trusted     bool
	Citizenship string
	SNILS       string
	INN         string
}

// ContactType classifies a contact.
type ContactType string

const (
	ContactMobile ContactType = "MBT"
	ContactPhone  ContactType = "PHN"
	ContactEmail  ContactType = "EML"
	ContactCEM    ContactType = "CEM"
)

// Contact is a phone number or e-mail address.
type Contact struct {
	Type     ContactType
	Value    string
	Verified bool
}

// AddressType distinguishes residence from registration.
type AddressType string

const (
	AddressResidential  AddressType = "PLV"
	AddressRegistration AddressType = "PRG"
)

// Address is a postal address.
type Address struct {
	Type               AddressType
	ZipCode            string
	CountryID          string
	AddressStr         string
	Building           string
	Frame              string
	House              string
	Flat               string
	FiasCode           string
	Region             string
	City               string
	District           string
	Area               string
	Settlement         string
	AdditionArea       string
	AdditionAreaStreet string
	Street             string
}

// DocumentType classifies an identity document.
type DocumentType string

const (
	DocumentNone            DocumentType = ""
	DocumentPassport        DocumentType = "RF_PASSPORT"
	DocumentForeign         DocumentType = "FID_DOC"
	DocumentDrivingLicense  DocumentType = "RF_DRIVING_LICENSE"
	DocumentMilitary        DocumentType = "MLTR_ID"
	DocumentForeignPassport DocumentType = "FRGN_PASS"
	DocumentMedicalPolicy   DocumentType = "MDCL_PLCY"
	DocumentBirthCert       DocumentType = "BRTH_CERT"
)

// Document is an identity document. Dates are kept as sent.
type Document struct {
	Type       DocumentType
	Verified   bool
	Series     string
	Number     string
	IssueDate  string
	IssueID    string
	IssuedBy   string
	ExpiryDate string
	FirstName  string
	LastName   string
}

// Vehicle is a registered vehicle.
type Vehicle struct {
	ID          string
	Name        string
	NumberPlate string
	RegSeries   string
	RegNumber   string
}

// Role is an organization the user may act for.
type Role struct {
	OID       int64
	PersonOID int64
	FullName  string
	ShortName string
	OGRN      string
	Type      string
	Chief     bool
	Admin     bool
	Phone     string
	Email     string
	Active    bool

	// HasRightOfSubstitution is nil when the provider omits it.
	HasRightOfSubstitution *bool
	HasApprovalTabAccess   bool
	IsLiquidated           bool
}

// record reads loosely typed provider JSON.
type record map[string]any

func parseRecord(data []byte) (record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r record
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return r, nil
}

// str renders any scalar as text; missing and null values give "".
func (r record) str(name string) string {
	switch v := r[name].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// boolean accepts true and the string "true" in any case.
func (r record) boolean(name string) bool {
	switch v := r[name].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}

func (r record) optionalBool(name string) *bool {
	if _, ok := r[name]; !ok || r[name] == nil {
		return nil
	}
	b := r.boolean(name)
	return &b
}

func (r record) integer(name string) int64 {
	n, _ := strconv.ParseInt(r.str(name), 10, 64)
	return n
}

func (r record) object(name string) record {
	if m, ok := r[name].(map[string]any); ok {
		return m
	}
	return record{}
}

func newPerson(r record) Person {
	p := Person{
		ID:          r.str("id"),
		FirstName:   r.str("firstName"),
		LastName:    r.str("lastName"),
		MiddleName:  r.str("middleName"),
		BirthPlace:  r.str("birthPlace"),
		Gender:      r.str("gender"),
		Citizenship: r.str("citizenship"),
		SNILS:       r.str("snils"),
		INN:         r.str("inn"),
		Trusted:     r.boolean("trusted"),
	}

	if strings.TrimSpace(p.LastName) != "" {
		p.Name = p.LastName
		if strings.TrimSpace(p.FirstName) != "" {
			p.Name += " " + p.FirstName
		}
		if strings.TrimSpace(p.MiddleName) != "" {
			p.Name += " " + p.MiddleName
		}
	}

	if d, err := time.ParseInLocation(BirthDateLayout, strings.TrimSpace(r.str("birthDate")), time.Local); err == nil {
		p.BirthDate = d
	}
	return p
}

func newContact(r record) Contact {
	t := ContactType(r.str("type"))
	switch t {
	case ContactMobile, ContactEmail, ContactCEM:
	default:
		t = ContactPhone
	}
	return Contact{
		Type:     t,
		Value:    r.str("value"),
		Verified: r.str("vrfStu") == "VERIFIED",
	}
}

func newAddress(r record) Address {
	t := AddressRegistration
	if r.str("type") == string(AddressResidential) {
		t = AddressResidential
	}
	return Address{
		Type:               t,
		ZipCode:            r.str("zipCode"),
		CountryID:          r.str("countryId"),
		AddressStr:         r.str("addressStr"),
		Building:           r.str("building"),
		Frame:              r.str("frame"),
		House:              r.str("house"),
		Flat:               r.str("flat"),
		FiasCode:           r.str("fiasCode"),
		Region:             r.str("region"),
		City:               r.str("city"),
		District:           r.str("district"),
		Area:               r.str("area"),
		Settlement:         r.str("settlement"),
		AdditionArea:       r.str("additionArea"),
		AdditionAreaStreet: r.str("additionAreaStreet"),
		Street:             r.str("street"),
	}
}

func newDocument(r record) Document {
	t := DocumentType(r.str("type"))
	switch t {
	case DocumentPassport, DocumentForeign, DocumentDrivingLicense, DocumentMilitary,
		DocumentForeignPassport, DocumentMedicalPolicy, DocumentBirthCert:
	default:
		t = DocumentNone
	}
	return Document{
		Type:       t,
		Verified:   r.str("vrfStu") == "VERIFIED",
		Series:     r.str("series"),
		Number:     r.str("number"),
		IssueDate:  r.str("issueDate"),
		IssueID:    r.str("issueId"),
		IssuedBy:   r.str("issuedBy"),
		ExpiryDate: r.str("expiryDate"),
		FirstName:  r.str("firstName"),
		LastName:   r.str("lastName"),
	}
}

func newVehicle(r record) Vehicle {
	reg := r.object("regCertificate")
	return Vehicle{
		ID:          r.str("id"),
		Name:        r.str("name"),
		NumberPlate: r.str("numberPlate"),
		RegSeries:   reg.str("series"),
		RegNumber:   reg.str("number"),
	}
}

func newRole(r record) Role {
	return Role{
		OID:                    r.integer("oid"),
		PersonOID:              r.integer("prnOid"),
		FullName:               r.str("fullName"),
		ShortName:              r.str("shortName"),
		OGRN:                   r.str("ogrn"),
		Type:                   r.str("type"),
		Chief:                  r.boolean("chief"),
		Admin:                  r.boolean("admin"),
		Phone:                  r.str("phone"),
		Email:                  r.str("email"),
		Active:                 r.boolean("active"),
		HasRightOfSubstitution: r.optionalBool("hasRightOfSubstitution"),
		HasApprovalTabAccess:   r.boolean("hasApprovalTabAccess"),
		IsLiquidated:           r.boolean("isLiquidated"),
	}
}
