package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSize(t *testing.T) {
	testData := []struct {
		input string
		value int64
	}{
		{"0", 0},
		{"0K", 0},
		{"0KB", 0},
		{"0 ", 0},
		{"0 K", 0},
		{"0 KB", 0},

		{"123KiB", 123 * 1024},
		{"123MiB", 123 * 1024 * 1024},
		{"123GiB", 123 * 1024 * 1024 * 1024},
		{"123TiB", 123 * 1024 * 1024 * 1024 * 1024},

		{"123K", 123 * 1000},
		{"123KB", 123 * 1000},
		{"123M", 123 * 1000 * 1000},
		{"123MB", 123 * 1000 * 1000},
		{"123G", 123 * 1000 * 1000 * 1000},
		{"123GB", 123 * 1000 * 1000 * 1000},
		{"123T", 123 * 1000 * 1000 * 1000 * 1000},
		{"123TB", 123 * 1000 * 1000 * 1000 * 1000},
	}

	for _, data := range testData {
		size, err := ParseSize(data.input)
		assert.NoError(t, err)
		assert.Equal(t, data.value, size)
	}

	badData := []string{
		"",
		"abc",
		"-1",
		"1XB",
		"01K",
	}

	for _, data := range badData {
		_, err := ParseSize(data)
		assert.Error(t, err, data)
	}
}

func TestHumanByteSize(t *testing.T) {
	testData := []struct {
		input int64
		value string
	}{
		{0, "0B"},
		{123, "123B"},
		{1024, "1.0KiB"},
		{123 * 1024, "123.0KiB"},
		{1536 * 1024, "1.5MiB"},
		{2 * 1024 * 1024 * 1024, "2.0GiB"},
	}

	for _, data := range testData {
		assert.Equal(t, data.value, HumanByteSize(data.input))
	}
}
