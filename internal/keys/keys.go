// Package keys encodes and decodes the deterministic object-key scheme shared
// by the gateway, the workers, and the annotation pipeline. All composite-key
// knowledge lives here; nothing else in the codebase splits keys by hand.
package keys

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	keySep  = "/"
	fileSep = "~"
	descSep = ","

	vcfExt      = ".vcf"
	annotSuffix = ".annot.vcf"
	logSuffix   = ".count.log"
)

// FileID is the canonical "{job_id}~{input_file}" token used in object keys
// and staging paths.
func FileID(jobID, fileName string) string {
	return jobID + fileSep + fileName
}

// SplitFileID recovers the job id and input file name from a file id token.
func SplitFileID(id string) (jobID, fileName string, err error) {
	jobID, fileName, ok := strings.Cut(id, fileSep)
	if !ok || jobID == "" || fileName == "" {
		return "", "", fmt.Errorf("malformed file id %q", id)
	}
	return jobID, fileName, nil
}

// Input builds the input object key: {prefix}/{user}/{job_id}~{file}.
func Input(prefix, userID, jobID, fileName string) string {
	return strings.Join([]string{prefix, userID, FileID(jobID, fileName)}, keySep)
}

// ParseInput decodes an input object key produced by Input.
func ParseInput(key string) (userID, jobID, fileName string, err error) {
	parts := strings.Split(key, keySep)
	if len(parts) < 3 {
		return "", "", "", fmt.Errorf("malformed input key %q", key)
	}
	userID = parts[len(parts)-2]
	jobID, fileName, err = SplitFileID(parts[len(parts)-1])
	if err != nil {
		return "", "", "", fmt.Errorf("input key %q: %w", key, err)
	}
	if userID == "" {
		return "", "", "", fmt.Errorf("malformed input key %q", key)
	}
	return userID, jobID, fileName, nil
}

// ResultFileName is the annotated output artifact name for a job:
// {job_id}~{base}.annot.vcf, where base is the input name without its .vcf
// extension.
func ResultFileName(jobID, fileName string) string {
	base := strings.TrimSuffix(fileName, vcfExt)
	return jobID + fileSep + base + annotSuffix
}

// LogFileName is the pipeline log artifact name: {job_id}~{input}.count.log.
func LogFileName(jobID, fileName string) string {
	return FileID(jobID, fileName) + logSuffix
}

// Result builds the result object key:
// {tenant}/{user}/{job_id}~{file}/{job_id}~{base}.annot.vcf.
func Result(tenant, userID, jobID, fileName string) string {
	return strings.Join([]string{tenant, userID, FileID(jobID, fileName), ResultFileName(jobID, fileName)}, keySep)
}

// Log builds the log object key, alongside the result in the same job
// directory.
func Log(tenant, userID, jobID, fileName string) string {
	return strings.Join([]string{tenant, userID, FileID(jobID, fileName), LogFileName(jobID, fileName)}, keySep)
}

// ParseResult decodes a result or log object key back into its parts.
func ParseResult(key string) (tenant, userID, jobID, fileName string, err error) {
	parts := strings.Split(key, keySep)
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("malformed result key %q", key)
	}
	tenant, userID = parts[0], parts[1]
	jobID, fileName, err = SplitFileID(parts[2])
	if err != nil {
		return "", "", "", "", fmt.Errorf("result key %q: %w", key, err)
	}
	if tenant == "" || userID == "" {
		return "", "", "", "", fmt.Errorf("malformed result key %q", key)
	}
	return tenant, userID, jobID, fileName, nil
}

// StagedDir is the local staging directory for a job's files:
// {jobsDir}/{user}/{job_id}~{file}.
func StagedDir(jobsDir, userID, jobID, fileName string) string {
	return filepath.Join(jobsDir, userID, FileID(jobID, fileName))
}

// StagedInput is the local path the input object is downloaded to. The file
// keeps the file-id name so the pipeline wrapper can recover the job identity
// from its argument alone.
func StagedInput(jobsDir, userID, jobID, fileName string) string {
	return filepath.Join(StagedDir(jobsDir, userID, jobID, fileName), FileID(jobID, fileName))
}

// ParseStagedInput recovers (user, job, file) from a staged input path.
func ParseStagedInput(path string) (userID, jobID, fileName string, err error) {
	dir, id := filepath.Split(filepath.Clean(path))
	jobID, fileName, err = SplitFileID(id)
	if err != nil {
		return "", "", "", fmt.Errorf("staged path %q: %w", path, err)
	}
	// dir ends with {user}/{file_id}/
	dir = filepath.Dir(filepath.Clean(dir))
	userID = filepath.Base(dir)
	if userID == "." || userID == string(filepath.Separator) || userID == "" {
		return "", "", "", fmt.Errorf("staged path %q missing user segment", path)
	}
	return userID, jobID, fileName, nil
}

// Description encodes the (user, target object key) correlation carried in a
// vault retrieval job's description field. It is the only channel that
// survives the vault's asynchronous boundary.
func Description(userID, objectKey string) string {
	return userID + descSep + objectKey
}

// ParseDescription decodes a retrieval description back into its parts.
func ParseDescription(desc string) (userID, objectKey string, err error) {
	userID, objectKey, ok := strings.Cut(desc, descSep)
	if !ok || userID == "" || objectKey == "" {
		return "", "", fmt.Errorf("malformed retrieval description %q", desc)
	}
	return userID, objectKey, nil
}
