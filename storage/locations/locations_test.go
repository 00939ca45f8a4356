package locations_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reduction.dev/tablesink/storage/locations"
	"reduction.dev/tablesink/storage/objstore"
)

func TestNewLocation_LocalPath(t *testing.T) {
	store, err := locations.New("/local/path")
	assert.NoError(t, err, "creating store with local path should not error")

	_, ok := store.(*locations.LocalDirectory)
	assert.True(t, ok, "store should be a LocalDirectory for local paths")
}

func TestLocalDirectory(t *testing.T) {
	locationStoreSuite(t, func() locations.StorageLocation {
		return locations.NewLocalDirectory(t.TempDir())
	})
}

func TestS3Location(t *testing.T) {
	locationStoreSuite(t, func() locations.StorageLocation {
		loc, err := locations.NewS3Location(objstore.NewMemoryS3Service(), "s3://bucket/prefix")
		require.NoError(t, err, "creating S3 location should not return an error")
		return loc
	})
}

func TestS3LocationUsage(t *testing.T) {
	loc, err := locations.NewS3Location(objstore.NewUsageS3Service(objstore.NewMemoryS3Service()), "s3://bucket/prefix")
	require.NoError(t, err)

	_, err = loc.Write("file.txt", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	usage, ok := loc.Usage()
	require.True(t, ok)
	_, expensive := usage.Requests()
	assert.Equal(t, int64(1), expensive)
}

func TestReadS3File(t *testing.T) {
	s3Service := objstore.NewMemoryS3Service()
	bucketName := "test-bucket"
	key := "test/file.txt"
	testContent := []byte("test s3 content")

	_, err := s3Service.PutObject(t.Context(), &s3.PutObjectInput{
		Bucket: &bucketName,
		Key:    &key,
		Body:   bytes.NewReader(testContent),
	})
	require.NoError(t, err)

	content, err := locations.ReadS3File(s3Service, "s3://"+bucketName+"/"+key)
	require.NoError(t, err)
	assert.Equal(t, testContent, content)

	_, err = locations.ReadS3File(s3Service, "s3://"+bucketName+"/test/nonexistent.txt")
	assert.ErrorIs(t, err, locations.ErrNotFound)

	_, err = locations.ReadS3File(s3Service, "s3://invalid-format")
	assert.Error(t, err, "paths without a key are rejected")
}

func TestReadLocalFile(t *testing.T) {
	loc := locations.NewLocalDirectory(t.TempDir())
	uri, err := loc.Write("rows.jsonl", bytes.NewReader([]byte("[1]")))
	require.NoError(t, err)

	content, err := locations.ReadFile(uri)
	require.NoError(t, err)
	assert.Equal(t, []byte("[1]"), content)

	_, err = locations.ReadFile(filepath.Join(filepath.Dir(uri), "missing.jsonl"))
	assert.ErrorIs(t, err, locations.ErrNotFound)
}

func locationStoreSuite(t *testing.T, newLoc func() locations.StorageLocation) {
	t.Run("WriteThenRead", func(t *testing.T) {
		loc := newLoc()

		testData := []byte("test data")
		uri, err := loc.Write("d=1/test.txt", bytes.NewReader(testData))
		require.NoError(t, err, "write operation should not return an error")

		content, err := loc.Read(uri)
		require.NoError(t, err, "should be able to read the file by URI")
		assert.Equal(t, testData, content)

		content, err = loc.Read("d=1/test.txt")
		require.NoError(t, err, "should be able to read the file by relative path")
		assert.Equal(t, testData, content)
	})

	t.Run("ReadNonExistent", func(t *testing.T) {
		content, err := newLoc().Read("nonexistent.txt")
		assert.ErrorIs(t, err, locations.ErrNotFound)
		assert.Nil(t, content, "content should be nil for non-existent file")
	})

	t.Run("Remove", func(t *testing.T) {
		loc := newLoc()

		testData := []byte("test data")
		absPath1, err := loc.Write("doomed1.txt", bytes.NewReader(testData))
		require.NoError(t, err)
		_, err = loc.Write("doomed2.txt", bytes.NewReader(testData))
		require.NoError(t, err)

		// Remove one file with absolute path and one with relative path
		err = loc.Remove(absPath1, "doomed2.txt")
		assert.NoError(t, err, "removing existing files should not return an error")

		_, err1 := loc.Read(absPath1)
		_, err2 := loc.Read("doomed2.txt")
		assert.ErrorIs(t, err1, locations.ErrNotFound, "first file should no longer exist")
		assert.ErrorIs(t, err2, locations.ErrNotFound, "second file should no longer exist")
	})

	t.Run("RemoveNonExistent", func(t *testing.T) {
		err := newLoc().Remove("nonexistent.txt")
		assert.NoError(t, err, "removing a non-existent file should not error")
	})

	t.Run("ListRelativePaths", func(t *testing.T) {
		loc := newLoc()

		for _, file := range []string{"file2.txt", "file1.txt", "nested/file3.txt"} {
			_, err := loc.Write(file, bytes.NewReader([]byte("test data")))
			require.NoError(t, err)
		}

		var paths []string
		for p, err := range loc.List() {
			require.NoError(t, err, "list iterator should not return an error")
			paths = append(paths, p)
		}
		assert.Equal(t, []string{"file1.txt", "file2.txt", "nested/file3.txt"}, paths)
	})

	t.Run("ListEmpty", func(t *testing.T) {
		for _, err := range newLoc().List() {
			require.NoError(t, err)
			assert.Fail(t, "an empty location lists no files")
		}
	})

	t.Run("Exists", func(t *testing.T) {
		loc := newLoc()
		_, err := loc.Write("present.txt", bytes.NewReader(nil))
		require.NoError(t, err)

		ok, err := locations.Exists(loc, "present.txt")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = locations.Exists(loc, "absent.txt")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Copy", func(t *testing.T) {
		loc := newLoc()

		testData := []byte("test data for copying")
		sourcePath, err := loc.Write("source.txt", bytes.NewReader(testData))
		require.NoError(t, err)

		err = loc.Copy(sourcePath, "destination.txt")
		require.NoError(t, err)

		content, err := loc.Read("destination.txt")
		require.NoError(t, err)
		assert.Equal(t, testData, content, "content at destination should match source")

		_, err = loc.Read(sourcePath)
		assert.NoError(t, err, "copy keeps the source")
	})

	t.Run("CopyNonExistent", func(t *testing.T) {
		err := newLoc().Copy("nonexistent.txt", "destination.txt")
		assert.ErrorIs(t, err, locations.ErrNotFound)
	})

	t.Run("Rename", func(t *testing.T) {
		loc := newLoc()

		_, err := loc.Write("d=1/.part-0.inprogress", bytes.NewReader([]byte("rows")))
		require.NoError(t, err)
		_, err = loc.Write("d=2/part-0.txt", bytes.NewReader([]byte("stale")))
		require.NoError(t, err)

		require.NoError(t, loc.Rename("d=1/.part-0.inprogress", "d=2/part-0.txt"))

		content, err := loc.Read("d=2/part-0.txt")
		require.NoError(t, err)
		assert.Equal(t, []byte("rows"), content, "rename replaces the destination")

		_, err = loc.Read("d=1/.part-0.inprogress")
		assert.ErrorIs(t, err, locations.ErrNotFound, "rename removes the source")
	})

	t.Run("RenameNonExistent", func(t *testing.T) {
		err := newLoc().Rename("missing", "destination.txt")
		assert.ErrorIs(t, err, locations.ErrNotFound)
	})
}
