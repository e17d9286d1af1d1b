// Package report parses CI test report files (junit and nunit XML)
// into test results. Parsing is tolerant about the wrapping element
// since every CI tool nests suites a little differently.
package report

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/2gis/cdws/internal/models"
)

// Formats accepted by the upload endpoint.
const (
	FormatJUnit = "junit"
	FormatNUnit = "nunit"
)

// ErrUnknownFormat is returned for formats other than junit and nunit.
var ErrUnknownFormat = fmt.Errorf("unknown file format")

// Parsed is the outcome of reading one report file.
type Parsed struct {
	Results  []models.TestResult
	Duration float64 // seconds, from suite attributes or summed cases
}

// Parse dispatches on format.
func Parse(format string, data []byte) (Parsed, error) {
	switch format {
	case FormatJUnit:
		return parseJUnit(data)
	case FormatNUnit:
		return parseNUnit(data)
	default:
		return Parsed{}, ErrUnknownFormat
	}
}

// junit

type junitTestSuites struct {
	XMLName xml.Name         `xml:"testsuites"`
	Suites  []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	Name  string          `xml:"name,attr"`
	Time  string          `xml:"time,attr"`
	Cases []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitMessage `xml:"failure"`
	Error     *junitMessage `xml:"error"`
	Skipped   *junitMessage `xml:"skipped"`
	SystemOut string        `xml:"system-out"`
}

type junitMessage struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

func parseJUnit(data []byte) (Parsed, error) {
	suites, err := junitSuites(data)
	if err != nil {
		return Parsed{}, err
	}

	var parsed Parsed
	for _, suite := range suites {
		suiteTime, hasSuiteTime := parseSeconds(suite.Time)
		var caseSum float64
		for _, tc := range suite.Cases {
			r := models.TestResult{
				Name:  tc.Name,
				Suite: firstNonEmpty(tc.ClassName, suite.Name),
			}
			switch {
			case tc.Failure != nil:
				r.State = models.StateFailed
				r.FailureReason = tc.Failure.Message
			case tc.Error != nil:
				// system-out often carries the stack the error
				// message lacks
				r.State = models.StateBlocked
				r.FailureReason = tc.Error.Message + tc.SystemOut
			case tc.Skipped != nil:
				r.State = models.StateSkipped
			default:
				r.State = models.StatePassed
			}
			if d, ok := parseSeconds(tc.Time); ok {
				r.Duration = d
				caseSum += d
			}
			parsed.Results = append(parsed.Results, r)
		}
		if hasSuiteTime {
			parsed.Duration += suiteTime
		} else {
			parsed.Duration += caseSum
		}
	}
	return parsed, nil
}

// junitSuites accepts either a <testsuites> wrapper or a bare
// <testsuite> root.
func junitSuites(data []byte) ([]junitTestSuite, error) {
	var wrapper junitTestSuites
	if err := xml.Unmarshal(data, &wrapper); err == nil {
		return wrapper.Suites, nil
	}
	var single junitTestSuite
	if err := xml.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []junitTestSuite{single}, nil
}

// nunit

type nunitResults struct {
	XMLName xml.Name     `xml:"test-results"`
	Suites  []nunitSuite `xml:"test-suite"`
}

type nunitSuite struct {
	Name    string       `xml:"name,attr"`
	Results nunitCaseSet `xml:"results"`
}

type nunitCaseSet struct {
	Cases  []nunitCase  `xml:"test-case"`
	Suites []nunitSuite `xml:"test-suite"`
}

type nunitCase struct {
	Name     string        `xml:"name,attr"`
	Executed string        `xml:"executed,attr"`
	Success  string        `xml:"success,attr"`
	Time     string        `xml:"time,attr"`
	Failure  *nunitFailure `xml:"failure"`
	Reason   *nunitFailure `xml:"reason"`
}

type nunitFailure struct {
	Message string `xml:"message"`
}

func parseNUnit(data []byte) (Parsed, error) {
	var doc nunitResults
	if err := xml.Unmarshal(data, &doc); err != nil {
		return Parsed{}, err
	}

	var parsed Parsed
	for _, suite := range doc.Suites {
		collectNUnit(suite, suite.Name, &parsed)
	}
	return parsed, nil
}

// collectNUnit walks the arbitrarily nested suite tree nunit produces.
func collectNUnit(suite nunitSuite, suiteName string, parsed *Parsed) {
	for _, tc := range suite.Results.Cases {
		r := models.TestResult{
			Name:  tc.Name,
			Suite: suiteName,
		}
		switch {
		case !attrTrue(tc.Executed):
			r.State = models.StateSkipped
			if tc.Reason != nil {
				r.FailureReason = tc.Reason.Message
			}
		case !attrTrue(tc.Success):
			r.State = models.StateFailed
			if tc.Failure != nil {
				r.FailureReason = tc.Failure.Message
			}
		default:
			r.State = models.StatePassed
		}
		if d, ok := parseSeconds(tc.Time); ok {
			r.Duration = d
			parsed.Duration += d
		}
		parsed.Results = append(parsed.Results, r)
	}
	for _, child := range suite.Results.Suites {
		collectNUnit(child, firstNonEmpty(child.Name, suiteName), parsed)
	}
}

// attrTrue treats nunit's "True"/"False" attributes; absent means true.
func attrTrue(v string) bool {
	if v == "" {
		return true
	}
	return strings.EqualFold(v, "true")
}

func parseSeconds(v string) (float64, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	// some runners emit comma decimal separators
	v = strings.ReplaceAll(v, ",", ".")
	d, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
