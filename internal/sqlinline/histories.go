package sqlinline

const QInsertHistory = `--sql be69f3d6-3be8-4d63-972c-f27157774525
with rec as (
    insert into histories (id, title, status, thumbnail, task_id, outline_text, created_at, updated_at)
    values ($1::uuid, $2::text, $3::text, '', $4::text, $5::text, now(), now())
    returning id
)
insert into history_pages (record_id, page_index, page_type, content)
select rec.id, p.page_index, p.page_type, p.content
from rec, unnest($6::int[], $7::text[], $8::text[]) as p(page_index, page_type, content);
`

const QSelectHistoryByID = `--sql c555be78-dd38-4503-8ee6-38f3203ecc92
select id, title, status, thumbnail, task_id, outline_text, created_at, updated_at
from histories
where id = $1::uuid
limit 1;
`

const QSelectHistoryByTask = `--sql d7b1a97e-db2b-4c2a-9bc9-708a0f59b041
select id, title, status, thumbnail, task_id, outline_text, created_at, updated_at
from histories
where task_id = $1::text
order by updated_at desc
limit 1;
`

const QSelectHistoryPages = `--sql 78a497b2-b449-4299-a659-c43c87536f6b
select page_index, page_type, content
from history_pages
where record_id = $1::uuid
order by page_index;
`

const QSelectHistoryImages = `--sql 32019833-034d-4d63-be46-222331b04ee7
select image_index, filename, error_message
from history_images
where record_id = $1::uuid
order by image_index;
`

const QUpdateHistoryOutlineText = `--sql 4ad0b646-fe8b-431a-8219-c26b0f3c0d09
update histories
set outline_text = $2::text,
    updated_at = now()
where id = $1::uuid;
`

const QDeleteHistoryPages = `--sql e68a7b91-3e8e-4840-b980-78758cba1ae2
delete from history_pages
where record_id = $1::uuid;
`

const QInsertHistoryPages = `--sql ac70b98e-f488-4fbc-8bb8-ebfead47935b
insert into history_pages (record_id, page_index, page_type, content)
select $1::uuid, p.page_index, p.page_type, p.content
from unnest($2::int[], $3::text[], $4::text[]) as p(page_index, page_type, content);
`

const QDeleteHistoryImages = `--sql 94f6beda-8d8e-485f-b6a9-f3e5f53ad4d2
delete from history_images
where record_id = $1::uuid;
`

const QInsertHistoryImages = `--sql 43eb8c5d-2e86-41a3-ac2d-74a2f5da8ded
insert into history_images (record_id, image_index, filename)
select $1::uuid, f.ord - 1, f.filename
from unnest($2::text[]) with ordinality as f(filename, ord);
`

const QUpdateHistoryMeta = `--sql 7793fddf-a8db-44ad-b117-d070f7aa136b
update histories
set status = coalesce($2::text, status),
    thumbnail = coalesce($3::text, thumbnail),
    task_id = coalesce($4::text, task_id),
    updated_at = now()
where id = $1::uuid;
`

const QDeleteHistory = `--sql 6182ac9a-c0ca-433c-b6f3-37598f356774
delete from histories
where id = $1::uuid
returning task_id;
`

const QCountHistories = `--sql 23436cae-c56a-4d67-befe-76734aee2a2e
select count(*)
from histories
where ($1::text = '' or status = $1::text);
`

const QListHistories = `--sql fa0cb429-5b74-4b8e-8d9b-32ab17313bc2
select h.id, h.title, h.status, h.thumbnail, h.task_id,
    (select count(*) from history_pages p where p.record_id = h.id) as page_count,
    h.created_at, h.updated_at
from histories h
where ($1::text = '' or h.status = $1::text)
order by h.created_at desc
limit $2::int offset $3::int;
`

const QSearchHistories = `--sql 6310721b-542e-4c82-a5b0-1e31702a25da
select h.id, h.title, h.status, h.thumbnail, h.task_id,
    (select count(*) from history_pages p where p.record_id = h.id) as page_count,
    h.created_at, h.updated_at
from histories h
where h.title ilike '%' || $1::text || '%'
order by h.created_at desc;
`

const QHistoryStats = `--sql bd74b471-8d83-4b43-b56e-845b1fd678ba
select status, count(*)
from histories
group by status;
`

const QRecordTaskImage = `--sql c74d0a4f-ce11-40d1-921c-b5f041f46a2e
with rec as (
    select id from histories where task_id = $1::text
),
saved as (
    insert into history_images (record_id, image_index, filename, error_message)
    select rec.id, $2::int, $3::text, $4::text
    from rec
    on conflict (record_id, image_index) do update set
        filename = excluded.filename,
        error_message = excluded.error_message
    returning record_id
)
update histories
set updated_at = now()
where id in (select record_id from saved);
`

const QCompleteTask = `--sql ccf5057f-eec5-429a-8ba0-34e2b53c97b4
with rec as (
    select id from histories where task_id = $1::text
),
thumb as (
    select i.filename
    from history_images i
    where i.record_id in (select id from rec) and i.filename <> ''
    order by i.image_index
    limit 1
)
update histories
set status = $2::text,
    thumbnail = coalesce((select filename from thumb), thumbnail),
    updated_at = now()
where id in (select id from rec);
`
