package locate

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"

	"github.com/BadgerOps/modelinstall/internal/download"
)

// BlobLister lists a folder in a gocloud bucket. The same lister serves
// cloud buckets (gs://, s3://) and local directories through fileblob.
type BlobLister struct {
	BucketURL string
	Buckets   *download.Buckets
}

// List implements Lister.
func (b *BlobLister) List(ctx context.Context, folder string) ([]Object, error) {
	bkt, err := b.Buckets.Get(ctx, b.BucketURL)
	if err != nil {
		return nil, err
	}

	var objects []Object
	iter := bkt.List(&blob.ListOptions{Prefix: folderPrefix(folder), Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", b.BucketURL, err)
		}
		objects = append(objects, Object{Name: obj.Key, Size: obj.Size, IsDir: obj.IsDir})
	}
	return objects, nil
}

// Source implements Lister.
func (b *BlobLister) Source(obj Object) download.Source {
	return download.BlobRef{Bucket: b.BucketURL, Object: obj.Name}
}
