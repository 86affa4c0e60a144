package receipt

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			filename  string
			data      []byte
			savedPath string
			err       error
		)

		BeforeEach(func() {
			filename = "couple-1/test.jpg"
			data = []byte("test file content")
		})

		JustBeforeEach(func() {
			savedPath, err = storage.Save(filename, data)
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return the storage path", func() {
				Expect(savedPath).To(Equal(filename))
			})

			It("should create the couple directory", func() {
				Expect(filepath.Join(tmpDir, "couple-1", "test.jpg")).To(BeAnExistingFile())
			})
		})

		When("the path escapes the storage directory", func() {
			BeforeEach(func() {
				filename = "../outside.jpg"
			})

			It("should reject it", func() {
				var validationErr *ValidationError
				Expect(errors.As(err, &validationErr)).To(BeTrue())
				Expect(filepath.Join(filepath.Dir(tmpDir), "outside.jpg")).NotTo(BeAnExistingFile())
			})
		})

		When("the path is absolute", func() {
			BeforeEach(func() {
				filename = "/etc/receipt.jpg"
			})

			It("should reject it", func() {
				Expect(err).To(MatchError(ContainSubstring("invalid storage path")))
			})
		})
	})

	Describe("Exists", func() {
		var (
			path   string
			exists bool
			err    error
		)

		BeforeEach(func() {
			_, saveErr := storage.Save("couple-1/test.jpg", []byte("data"))
			Expect(saveErr).NotTo(HaveOccurred())
		})

		JustBeforeEach(func() {
			exists, err = storage.Exists(path)
		})

		When("file exists", func() {
			BeforeEach(func() {
				path = "couple-1/test.jpg"
			})

			It("should report true", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(exists).To(BeTrue())
			})
		})

		When("file does not exist", func() {
			BeforeEach(func() {
				path = "couple-1/missing.jpg"
			})

			It("should report false without an error", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(exists).To(BeFalse())
			})
		})

		When("path is a directory", func() {
			BeforeEach(func() {
				path = "couple-1"
			})

			It("should report false", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(exists).To(BeFalse())
			})
		})
	})

	Describe("Download", func() {
		var (
			filename string
			data     []byte
			err      error
		)

		JustBeforeEach(func() {
			data, err = storage.Download(filename)
		})

		When("file exists", func() {
			BeforeEach(func() {
				filename = "test.jpg"
				_, saveErr := storage.Save(filename, []byte("test file content"))
				Expect(saveErr).NotTo(HaveOccurred())
			})

			It("should return the file data", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("test file content"))
			})
		})

		When("file does not exist", func() {
			BeforeEach(func() {
				filename = "nonexistent.jpg"
			})

			It("returns a not found error", func() {
				Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
			})
		})

		When("file cannot be read", func() {
			BeforeEach(func() {
				filename = "dir.jpg"
				Expect(os.Mkdir(filepath.Join(tmpDir, filename), 0755)).To(Succeed())
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("reading file")))
			})
		})
	})

	Describe("Delete", func() {
		var (
			filename string
			err      error
		)

		JustBeforeEach(func() {
			err = storage.Delete(filename)
		})

		When("file exists", func() {
			BeforeEach(func() {
				filename = "test.jpg"
				_, saveErr := storage.Save(filename, []byte("test content"))
				Expect(saveErr).NotTo(HaveOccurred())
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should remove the file from disk", func() {
				Expect(filepath.Join(tmpDir, filename)).NotTo(BeAnExistingFile())
			})
		})

		When("file does not exist", func() {
			BeforeEach(func() {
				filename = "nonexistent.jpg"
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("deleting file")))
			})
		})
	})

	Describe("NewLocalStorage", func() {
		var (
			storagePath string
			err         error
		)

		JustBeforeEach(func() {
			_, err = NewLocalStorage(storagePath)
		})

		When("directory does not exist", func() {
			BeforeEach(func() {
				storagePath = filepath.Join(GinkgoT().TempDir(), "receipts")
			})

			It("should create the directory", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(storagePath).To(BeADirectory())
			})
		})
	})
})
