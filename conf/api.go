// Package conf loads .conf/.INI style configuration into a ConfMap and
// provides typed fetchers for the option values.
//
// File parsing is handled by the gopkg.in/ini.v1 package:
//   https://github.com/go-ini/ini
package conf

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// ConfMap is accessed via confMap[section_name][option_name][option_value_index] or via the methods below

type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

// MakeConfMap returns a newly created empty ConfMap
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a newly created ConfMap loaded with the contents of the confFilePath-specified file
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a newly created ConfMap loaded with the contents specified in confStrings
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			err = fmt.Errorf("Error building confMap from conf strings: %v", err)
			return
		}
	}

	err = nil
	return
}

// RegEx components used below:

const assignment = "([ \t]*[=:][ \t]*)"
const dot = "(\\.)"
const separator = "([ \t]+|([ \t]*,[ \t]*))"

const token = "(([0-9A-Za-z_\\*\\-/:\\.\\[\\]]+)\\$?)"

// A string to load looks like:

//   <section_name_0>.<option_name_0> =
//     or
//   <section_name_1>.<option_name_1> : <value_1>
//     or
//   <section_name_2>.<option_name_2> = <value_2>, <value_3>
//     or
//   <section_name_3>.<option_name_3> : <value_4> <value_5>,<value_6>

var stringRE = regexp.MustCompile("\\A" + token + dot + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")
var sectionNameOptionNameSeparatorRE = regexp.MustCompile(dot)
var optionNameOptionValuesSeparatorRE = regexp.MustCompile(assignment)
var optionValueSeparatorRE = regexp.MustCompile(separator)

// UpdateFromString modifies a pre-existing ConfMap based on an update
// specified in confString (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	confStringTrimmed := strings.Trim(confString, " \t") // Trim leading & trailing spaces & tabs

	if 0 == len(confStringTrimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}

	if !stringRE.MatchString(confStringTrimmed) {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	// confStringTrimmed well formed, so extract Section Name, Option Name, and Values

	confStringSectionNameOptionPayloadStrings := sectionNameOptionNameSeparatorRE.Split(confStringTrimmed, 2)

	sectionName := confStringSectionNameOptionPayloadStrings[0]
	optionPayload := confStringSectionNameOptionPayloadStrings[1]

	confStringOptionNameOptionValuesStrings := optionNameOptionValuesSeparatorRE.Split(optionPayload, 2)

	optionName := confStringOptionNameOptionValuesStrings[0]
	optionValues := confStringOptionNameOptionValuesStrings[1]

	confMap.updateOption(sectionName, optionName, optionValues)

	// If we reach here, confString successfully processed

	err = nil
	return
}

// UpdateFromStrings modifies a pre-existing ConfMap based on an update
// specified in confStrings (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}
	err = nil
	return
}

// UpdateFromFile modifies a pre-existing ConfMap based on updates specified in confFilePath.
//
// The file is parsed by the ini package, so the usual .INI/.conf constructs
// (comments after '#' or ';', multi-file includes via ini.Load varargs at the
// caller, etc.) all apply. Multi-valued options use ',' or whitespace
// separators just like UpdateFromString.
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	var (
		iniFile *ini.File
	)

	iniFile, err = ini.Load(confFilePath)
	if nil != err {
		err = fmt.Errorf("file %v could not be parsed: %v", confFilePath, err)
		return
	}

	for _, iniSection := range iniFile.Sections() {
		if ini.DefaultSection == iniSection.Name() && 0 == len(iniSection.Keys()) {
			continue
		}
		for _, iniKey := range iniSection.Keys() {
			confMap.updateOption(iniSection.Name(), iniKey.Name(), iniKey.Value())
		}
	}

	err = nil
	return
}

// updateOption splits optionValues on the separator RegEx and inserts the
// result, creating the Section if necessary.
func (confMap ConfMap) updateOption(sectionName string, optionName string, optionValues string) {
	optionValuesSplit := optionValueSeparatorRE.Split(optionValues, -1)

	if (1 == len(optionValuesSplit)) && ("" == optionValuesSplit[0]) {
		// Handle special case where optionValuesSplit == []string{""}... changing it to []string{}

		optionValuesSplit = []string{}
	}

	section, found := confMap[sectionName]

	if !found {
		// Need to create new Section

		section = make(ConfMapSection)
		confMap[sectionName] = section
	}

	section[optionName] = optionValuesSplit
}

// VerifyOptionValueIsEmpty returns an error if [sectionName]optionName's string value is not empty
func (confMap ConfMap) VerifyOptionValueIsEmpty(sectionName string, optionName string) (err error) {
	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok := section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	if 0 == len(option) {
		err = nil
	} else {
		err = fmt.Errorf("[%v]%v must have no value", sectionName, optionName)
	}

	return
}

// FetchOptionValueStringSlice returns [sectionName]optionName's string values as a (non-empty) []string
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	optionValue = []string{}

	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok := section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	optionValue = option

	return
}

// FetchOptionValueString returns [sectionName]optionName's single string value
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	optionValue = ""

	optionValueSlice, err := confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(optionValueSlice) {
		err = fmt.Errorf("[%v]%v must be single-valued", sectionName, optionName)
		return
	}

	optionValue = optionValueSlice[0]

	err = nil
	return
}

// FetchOptionValueBool returns [sectionName]optionName's single string value converted to a bool
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueStringDownshifted := strings.ToLower(optionValueString)

	switch optionValueStringDownshifted {
	case "yes":
		fallthrough
	case "on":
		fallthrough
	case "true":
		optionValue = true
	case "no":
		fallthrough
	case "off":
		fallthrough
	case "false":
		optionValue = false
	default:
		err = fmt.Errorf("Couldn't interpret %q as boolean (expected one of 'true'/'false'/'yes'/'no'/'on'/'off')", optionValueString)
		return
	}

	err = nil
	return
}

// FetchOptionValueUint16 returns [sectionName]optionName's single string value converted to a uint16
func (confMap ConfMap) FetchOptionValueUint16(sectionName string, optionName string) (optionValue uint16, err error) {
	optionValue = 0

	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueUint64, strconvErr := strconv.ParseUint(optionValueString, 10, 16)
	if nil != strconvErr {
		err = fmt.Errorf("[%v]%v strconv.ParseUint() error: %v", sectionName, optionName, strconvErr)
		return
	}

	optionValue = uint16(optionValueUint64)

	err = nil
	return
}

// FetchOptionValueUint32 returns [sectionName]optionName's single string value converted to a uint32
func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	optionValue = 0

	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueUint64, strconvErr := strconv.ParseUint(optionValueString, 10, 32)
	if nil != strconvErr {
		err = fmt.Errorf("[%v]%v strconv.ParseUint() error: %v", sectionName, optionName, strconvErr)
		return
	}

	optionValue = uint32(optionValueUint64)

	err = nil
	return
}

// FetchOptionValueUint64 returns [sectionName]optionName's single string value converted to a uint64
func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValue = 0

	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueUint64, strconvErr := strconv.ParseUint(optionValueString, 10, 64)
	if nil != strconvErr {
		err = fmt.Errorf("[%v]%v strconv.ParseUint() error: %v", sectionName, optionName, strconvErr)
		return
	}

	optionValue = optionValueUint64

	err = nil
	return
}

// FetchOptionValueFloat64 returns [sectionName]optionName's single string value converted to a float64
func (confMap ConfMap) FetchOptionValueFloat64(sectionName string, optionName string) (optionValue float64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, strconvErr := strconv.ParseFloat(optionValueString, 64)
	if nil != strconvErr {
		err = fmt.Errorf("[%v]%v strconv.ParseFloat() error: %v", sectionName, optionName, strconvErr)
		return
	}

	err = nil
	return
}

// FetchOptionValueDuration returns [sectionName]optionName's single string value converted to a time.Duration
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		optionValue = time.Duration(0)
		return
	}

	optionValue, err = time.ParseDuration(optionValueString)
	if nil != err {
		return
	}

	if 0.0 > optionValue.Seconds() {
		err = fmt.Errorf("[%v]%v is negative", sectionName, optionName)
		return
	}

	err = nil
	return
}
